package main

import (
	"github.com/milletlovemouse/rtc-chatroom/cmd"
	"github.com/milletlovemouse/rtc-chatroom/internal/logging"
)

func main() {
	// Initialize logging
	logging.Init()
	cmd.Execute()
}
