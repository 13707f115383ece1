package main

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/peercall/client/coordinator"
	"github.com/adwski/peercall/client/friends"
	"github.com/adwski/peercall/client/media"
	"github.com/adwski/peercall/client/rtc"
	"github.com/adwski/peercall/client/signaling"
	"github.com/davecgh/go-spew/spew"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const help = `commands:
  call <user>      dial a user
  accept | reject  answer the incoming call
  hangup           end the current call
  mute <audio|video> [off]
  screen [off]     share the screen
  say <text>       chat with the remote party
  invite <user>    invite a user
  friends          list friends
  status           dump current state
  quit`

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		signalURL   = fs.StringP("signal-url", "s", "ws://localhost:8888", "relay websocket url")
		apiURL      = fs.StringP("api-url", "a", "http://localhost:8080", "directory api url")
		userID      = fs.StringP("user-id", "u", "", "local user id")
		displayName = fs.StringP("display-name", "n", "", "name shown to the called party")
		token       = fs.String("token", "", "bearer token for the directory api")
		stun        = fs.StringSlice("stun", []string{rtc.DefaultSTUN}, "stun server urls")
		loopback    = fs.Bool("loopback", false, "gather loopback candidates (single host setups)")
		synthetic   = fs.Bool("synthetic-media", true, "use static tracks instead of capture devices")
		autoAccept  = fs.Bool("auto-accept", false, "accept incoming calls")
		callTo      = fs.String("call", "", "user to call after start")
		ringTimeout = fs.Duration("ring-timeout", 45*time.Second, "how long to ring before giving up")
		logLevel    = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	if *userID == "" {
		logger.Fatal().Msg("user-id is required")
	}
	if *displayName == "" {
		*displayName = *userID
	}

	var capturer media.Capturer = &media.Synthetic{}
	if !*synthetic {
		if capturer, err = media.NewDevices(&logger); err != nil {
			logger.Fatal().Err(err).Msg("failed to init capture devices")
		}
	}
	mediaCtl := media.NewController(media.Config{
		Logger:   &logger,
		Capturer: capturer,
	})
	peers, err := rtc.NewFactory(rtc.Config{
		Logger:         &logger,
		ICEServers:     *stun,
		RegisterCodecs: mediaCtl.RegisterCodecs,
		Loopback:       *loopback,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init webrtc")
	}

	coord := coordinator.New(coordinator.Config{
		Logger: &logger,
		Signaling: signaling.New(signaling.Config{
			Logger: &logger,
			URL:    *signalURL,
		}),
		Peers: peers,
		Media: mediaCtl,
		Friends: friends.NewClient(friends.Config{
			Logger: &logger,
			URL:    *apiURL,
			Token:  *token,
		}),
		UserID:      *userID,
		DisplayName: *displayName,
		RingTimeout: *ringTimeout,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		mu           sync.Mutex
		lastNotice   coordinator.Notice
		lastIncoming string
		chatSeen     int
	)
	coord.Subscribe(func(s coordinator.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.Notice != lastNotice && s.Notice != coordinator.NoticeNone {
			fmt.Println("!", s.Notice)
		}
		lastNotice = s.Notice
		if len(s.Chat) < chatSeen {
			chatSeen = 0
		}
		for _, m := range s.Chat[chatSeen:] {
			if !m.Local {
				fmt.Printf("%s: %s\n", cmp.Or(m.Name, m.From), m.Text)
			}
		}
		chatSeen = len(s.Chat)
		if s.Incoming != nil && s.Incoming.CallID != lastIncoming {
			lastIncoming = s.Incoming.CallID
			fmt.Printf("incoming call from %s (%s)\n", s.Incoming.DisplayName, s.Incoming.From)
			if *autoAccept {
				go func() {
					if err := coord.Accept(); err != nil {
						logger.Error().Err(err).Msg("auto accept failed")
					}
				}()
			}
		}
	})

	if err = coord.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer coord.Stop()

	if *callTo != "" {
		if err = coord.Call(*callTo); err != nil {
			logger.Error().Err(err).Msg("call failed")
		}
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Println(help)
	for {
		select {
		case <-ctx.Done():
			logger.Warn().Msg("interrupted")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := command(ctx, coord, line); quit {
				return
			}
		}
	}
}

func command(ctx context.Context, coord *coordinator.Coordinator, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}

	var err error
	switch fields[0] {
	case "call":
		err = coord.Call(arg(1))
	case "accept":
		err = coord.Accept()
	case "reject":
		err = coord.Reject()
	case "hangup":
		err = coord.HangUp()
	case "mute":
		kind := webrtc.RTPCodecTypeAudio
		if arg(1) == "video" {
			kind = webrtc.RTPCodecTypeVideo
		}
		err = coord.SetMuted(kind, arg(2) != "off")
	case "screen":
		err = coord.ShareScreen(ctx, arg(1) != "off")
	case "say":
		err = coord.SendChat(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "say")))
	case "invite":
		err = coord.Invite(arg(1))
	case "friends":
		var users []string
		fl, ferr := coord.Friends(ctx)
		for _, u := range fl {
			users = append(users, u.DisplayName+" ("+u.ID+")")
		}
		err = ferr
		if err == nil {
			fmt.Println(strings.Join(users, "\n"))
		}
	case "status":
		fmt.Print(spew.Sdump(coord.Snapshot()))
	case "quit", "exit":
		return true
	default:
		fmt.Println(help)
	}
	if err != nil {
		fmt.Println("error:", err)
	}
	return false
}
