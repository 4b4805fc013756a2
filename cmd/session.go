package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/milletlovemouse/rtc-chatroom/internal/config"
	"github.com/milletlovemouse/rtc-chatroom/internal/device"
	"github.com/milletlovemouse/rtc-chatroom/internal/files"
	"github.com/milletlovemouse/rtc-chatroom/internal/logging"
	"github.com/milletlovemouse/rtc-chatroom/internal/room"
	"github.com/milletlovemouse/rtc-chatroom/internal/signaling"
	"github.com/milletlovemouse/rtc-chatroom/internal/ui"
)

// SessionContext bundles the transport and media source one room
// session runs on. In local demo mode the relay is an in-process hub
// and the devices are synthetic.
type SessionContext struct {
	Config    *config.Config
	Transport signaling.Transport
	Source    device.Source

	hub *signaling.Hub
}

func NewSessionContext(cfg *config.Config, local bool) (*SessionContext, error) {
	if local {
		hub := signaling.NewHub()
		return &SessionContext{
			Config:    cfg,
			Transport: hub.NewClient(),
			Source:    device.NewStaticSource(),
			hub:       hub,
		}, nil
	}

	client := signaling.NewClient(cfg.WebSocketURL, logging.Component("signaling"))
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("connect to relay: %w", err)
	}

	source, err := device.NewCaptureSource()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open media devices: %w", err)
	}

	return &SessionContext{
		Config:    cfg,
		Transport: client,
		Source:    source,
	}, nil
}

func (c *SessionContext) Close() {
	if c.Transport != nil {
		c.Transport.Close()
	}
}

func LoadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}

	return cfg, nil
}

// sessionStats collects counters surfaced in the post-session summary.
type sessionStats struct {
	mu            sync.Mutex
	peakPeers     int
	chatsSent     int
	chatsReceived int
	filesReceived int
	bytesReceived int64
}

// RunRoomSession joins the room, runs the full-screen view until the
// user leaves, and prints a session summary.
func RunRoomSession(ctx *SessionContext, identity room.Identity) error {
	mgr := device.NewManager(ctx.Source, logging.Component("device"))
	client, err := room.NewClient(ctx.Config, ctx.Transport, mgr, logging.Component("room"))
	if err != nil {
		return err
	}
	defer client.Close()

	stats := &sessionStats{}
	sharing := false
	audioOn, videoOn := true, true
	var toggleMu sync.Mutex

	var roomUI *ui.RoomUI
	roomUI = ui.NewRoomUI(identity.RoomName, identity.Username, ui.RoomActions{
		SendChat: func(text string) error {
			if err := client.SendChatMessage(text); err != nil {
				return err
			}
			stats.mu.Lock()
			stats.chatsSent++
			stats.mu.Unlock()
			return nil
		},
		SendFile: func(path string) error {
			return sendFile(client, path, roomUI)
		},
		ToggleShare: func() error {
			toggleMu.Lock()
			defer toggleMu.Unlock()
			if sharing {
				if err := client.CancelShareDisplayMedia(); err != nil {
					return err
				}
				sharing = false
				return nil
			}
			if _, err := client.ShareDisplayMedia(); err != nil {
				return err
			}
			sharing = true
			return nil
		},
		ToggleAudio: func() error {
			toggleMu.Lock()
			defer toggleMu.Unlock()
			if audioOn {
				if err := client.DisableAudio(); err != nil {
					return err
				}
			} else if err := client.EnableAudio(); err != nil {
				return err
			}
			audioOn = !audioOn
			return nil
		},
		ToggleVideo: func() error {
			toggleMu.Lock()
			defer toggleMu.Unlock()
			if videoOn {
				if err := client.DisableVideo(); err != nil {
					return err
				}
			} else if err := client.EnableVideo(); err != nil {
				return err
			}
			videoOn = !videoOn
			return nil
		},
	})

	wireObservers(client, roomUI, stats)

	stopSpinner := ui.RunSpinner("Starting camera and microphone...")
	err = client.Join(identity)
	stopSpinner()
	if err != nil {
		return err
	}

	if ctx.hub != nil {
		startEchoPeer(ctx, identity.RoomName)
	}

	started := time.Now()
	if err := roomUI.Run(); err != nil {
		return fmt.Errorf("room view: %w", err)
	}

	client.Close()

	stats.mu.Lock()
	summary := ui.SessionSummary{
		RoomName:      identity.RoomName,
		Duration:      ui.FormatDuration(time.Since(started)),
		PeakPeers:     stats.peakPeers,
		ChatsSent:     stats.chatsSent,
		ChatsReceived: stats.chatsReceived,
		FilesReceived: stats.filesReceived,
		BytesReceived: stats.bytesReceived,
	}
	stats.mu.Unlock()

	fmt.Println()
	ui.RenderSessionSummary(summary)
	ui.PrintInfof("Room link: %s", ctx.Config.GetRoomLink(identity.RoomName))
	return nil
}

func wireObservers(client *room.Client, roomUI *ui.RoomUI, stats *sessionStats) {
	client.OnRosterChange(func(infos []room.ConnectorInfo) {
		rows := make([]ui.ParticipantRow, len(infos))
		members := make(map[string]struct{})
		for i, info := range infos {
			rows[i] = ui.ParticipantRow{
				Username: info.Username,
				MemberID: info.MemberID,
				Kind:     string(info.Kind),
				State:    string(info.State),
				HasMedia: info.HasStream,
			}
			members[info.MemberID] = struct{}{}
		}
		stats.mu.Lock()
		if len(members) > stats.peakPeers {
			stats.peakPeers = len(members)
		}
		stats.mu.Unlock()
		roomUI.Post(ui.RoomUpdate{Type: ui.UpdateRoster, Roster: rows})
	})

	client.OnChatMessage(func(msg room.ChatMessage) {
		stats.mu.Lock()
		stats.chatsReceived++
		stats.mu.Unlock()
		roomUI.Post(ui.RoomUpdate{Type: ui.UpdateChat, Chat: ui.ChatLine{
			From: msg.Username,
			Text: msg.Text,
			At:   msg.SentAt,
		}})
	})

	client.OnFileMessage(func(msg room.FileMessage) {
		path, err := saveIncoming(msg.Name, msg.Data)
		if err != nil {
			roomUI.Post(ui.RoomUpdate{Type: ui.UpdateError, Err: err})
			return
		}
		stats.mu.Lock()
		stats.filesReceived++
		stats.bytesReceived += msg.Size
		stats.mu.Unlock()
		roomUI.Post(ui.RoomUpdate{Type: ui.UpdateFile, File: ui.FileNotice{
			From: msg.Username,
			Name: msg.Name,
			Size: msg.Size,
			Path: path,
		}})
	})

	client.OnError(func(err error) {
		roomUI.Post(ui.RoomUpdate{Type: ui.UpdateError, Err: err})
	})
}

func sendFile(client *room.Client, path string, roomUI *ui.RoomUI) error {
	info, err := files.Validate(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(info.Path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := client.SendFile(info.Name, info.Type, data); err != nil {
		return err
	}
	roomUI.Post(ui.RoomUpdate{Type: ui.UpdateStatus, Status: fmt.Sprintf("Sent %s (%s)", info.Name, ui.FormatSize(info.Size))})
	return nil
}

// saveIncoming writes a received file next to the working directory,
// never overwriting an existing file.
func saveIncoming(name string, data []byte) (string, error) {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		base = "received.bin"
	}

	dest := base
	if _, err := os.Stat(dest); err == nil {
		dest = fmt.Sprintf("%s-%s", uuid.NewString()[:8], base)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("save %s: %w", base, err)
	}
	return dest, nil
}

// startEchoPeer joins a second, synthetic participant in local demo
// mode so the mesh has something to negotiate with. It echoes chat
// back to the room.
func startEchoPeer(ctx *SessionContext, roomName string) {
	mgr := device.NewManager(device.NewStaticSource(), logging.Component("device"))
	bot, err := room.NewClient(ctx.Config, ctx.hub.NewClient(), mgr, logging.Component("room"))
	if err != nil {
		return
	}

	bot.OnChatMessage(func(msg room.ChatMessage) {
		go bot.SendChatMessage(fmt.Sprintf("echo: %s", msg.Text))
	})

	go bot.Join(room.Identity{
		Username: "echo-bot",
		RoomName: roomName,
	})
}
