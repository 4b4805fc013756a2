package cmd

import (
	"fmt"
	"os/user"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/milletlovemouse/rtc-chatroom/internal/config"
	"github.com/milletlovemouse/rtc-chatroom/internal/room"
	"github.com/milletlovemouse/rtc-chatroom/internal/ui"
)

var (
	flagDomain   string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagRelay    bool
	flagUsername string
	flagLocal    bool
)

var joinCmd = &cobra.Command{
	Use:     "join [room]",
	Aliases: []string{"j"},
	Short:   "Join a conference room",
	Long: `Join a conference room as a mesh participant. Without a room name a
fresh room is created and its link printed for sharing.

Examples:
  rtc-chatroom join standup
  rtc-chatroom join --username Alice standup
  rtc-chatroom join --domain custom.example.com standup
  rtc-chatroom join --local demo`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomName := ""
		if len(args) > 0 {
			roomName = args[0]
		}
		return joinRoom(roomName)
	},
}

func joinRoom(roomName string) error {
	cfg, err := LoadConfig(config.Options{
		Domain:     flagDomain,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		ForceRelay: flagRelay,
	})
	if err != nil {
		return err
	}

	if roomName == "" {
		roomName = uuid.NewString()[:8]
	}

	stopSpinner := ui.RunConnectionSpinner("Connecting to relay...")
	defer stopSpinner()
	ctx, err := NewSessionContext(cfg, flagLocal)
	if err != nil {
		return err
	}
	defer ctx.Close()
	stopSpinner()

	identity := room.Identity{
		Username: defaultUsername(flagUsername),
		RoomName: roomName,
	}

	return RunRoomSession(ctx, identity)
}

func defaultUsername(flag string) string {
	if flag != "" {
		return flag
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return fmt.Sprintf("guest-%s", uuid.NewString()[:4])
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagDomain, "domain", "d", "", "Custom domain")
	joinCmd.Flags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	joinCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	joinCmd.Flags().StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	joinCmd.Flags().StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	joinCmd.Flags().BoolVarP(&flagRelay, "relay", "r", false, "Force relay mode")
	joinCmd.Flags().StringVarP(&flagUsername, "username", "n", "", "Display name in the room")
	joinCmd.Flags().BoolVar(&flagLocal, "local", false, "Offline demo: in-process relay, synthetic devices, echo peer")
}
