package cmd

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/milletlovemouse/rtc-chatroom/internal/ui"
	"github.com/milletlovemouse/rtc-chatroom/internal/version"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "rtc-chatroom",
	Short:   "Terminal client for WebRTC mesh conference rooms",
	Long:    `rtc-chatroom joins multi-peer conference rooms directly from the terminal. Every participant connects to every other over WebRTC, with camera, microphone and screen share negotiated peer to peer and chat and file transfer running over data channels. Rooms are shared with the browser webapp, so terminal and browser participants mix freely.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		os.Exit(0)
	}()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}
