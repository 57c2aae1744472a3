package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/iglu-video/iglu/internal/chat"
	"github.com/iglu-video/iglu/internal/media"
	"github.com/iglu-video/iglu/internal/meeting"
	"github.com/iglu-video/iglu/internal/peerlink"
	"github.com/iglu-video/iglu/internal/roster"
)

var (
	joinUserID    string
	joinToken     string
	joinVideoFile string
	joinAudioFile string
	joinCamera    bool
	joinVerbose   bool
)

var joinCmd = &cobra.Command{
	Use:   "join <meeting-id-or-code>",
	Short: "Join a meeting",
	Long: `Join a meeting by ID or code. Once connected, lines typed on stdin
are sent as chat messages. Commands:

  /camera   start streaming the configured video file as the camera
  /screen   start streaming it as a screen share
  /stop     stop streaming
  /who      list the current participants
  /leave    leave the meeting`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd, args[0])
	},
}

func init() {
	joinCmd.Flags().StringVar(&joinUserID, "user-id", "", "user ID (default is a random UUID)")
	joinCmd.Flags().StringVar(&joinToken, "token", "", "join token for servers running in jwt mode")
	joinCmd.Flags().StringVar(&joinVideoFile, "video", "", "IVF file (VP8) streamed when media is started")
	joinCmd.Flags().StringVar(&joinAudioFile, "audio", "", "Ogg file (Opus) streamed alongside the video")
	joinCmd.Flags().BoolVar(&joinCamera, "camera", false, "start the camera immediately after joining")
	joinCmd.Flags().BoolVar(&joinVerbose, "verbose", false, "log signaling and webrtc internals")
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, meetingRef string) error {
	server := viper.GetString(serverKey)
	userName := viper.GetString(nameKey)
	if userName == "" {
		userName = "guest-" + uuid.NewString()[:8]
	}
	userID := joinUserID
	if userID == "" {
		userID = uuid.NewString()
	}

	logLevel := slog.LevelWarn
	if joinVerbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	meetingID, err := resolveMeeting(server, meetingRef)
	if err != nil {
		return err
	}

	iceServers, err := fetchICEServers(server, userID)
	if err != nil {
		logger.Warn("fetching ice servers, continuing without", "err", err)
	}

	wsURL, err := signalingURL(server, meetingID, userID, userName, joinToken)
	if err != nil {
		return err
	}

	var provider media.Provider
	if joinVideoFile != "" {
		provider = &media.FileProvider{
			CameraVideoPath: joinVideoFile,
			AudioPath:       joinAudioFile,
		}
	}

	out := cmd.OutOrStdout()

	session, err := meeting.NewSession(meeting.Config{
		MeetingID:     meetingID,
		SelfID:        userID,
		UserName:      userName,
		SignalingURL:  wsURL,
		ICEServers:    iceServers,
		Logger:        logger,
		MediaProvider: provider,
		OnRosterChange: func(snap roster.Snapshot) {
			names := make([]string, 0, len(snap))
			for _, p := range snap {
				names = append(names, p.UserName)
			}
			fmt.Fprintf(out, "* participants: %s\n", strings.Join(names, ", "))
		},
		OnChat: func(m chat.Message) {
			fmt.Fprintf(out, "[%s] %s: %s\n", m.Timestamp.Format("15:04:05"), m.UserID, m.Text)
		},
		OnRemoteTrack: func(rt peerlink.RemoteTrack) {
			fmt.Fprintf(out, "* receiving %s from %s\n", rt.Track.Kind(), rt.UserID)
			go discardTrack(rt.Track)
		},
		OnStreamCleared: func(uid string) {
			fmt.Fprintf(out, "* stream from %s ended\n", uid)
		},
		OnError: func(err error) {
			fmt.Fprintf(out, "! %v\n", err)
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Join(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "joined meeting %s as %s\n", meetingID, userName)

	if joinCamera {
		if err := session.StartCamera(ctx); err != nil {
			fmt.Fprintf(out, "! starting camera: %v\n", err)
		}
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
			case line == "/leave":
				session.Leave()
				return
			case line == "/camera":
				if err := session.StartCamera(ctx); err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
			case line == "/screen":
				if err := session.StartScreenShare(ctx); err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
			case line == "/stop":
				if err := session.StopMedia(); err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
			case line == "/who":
				for _, p := range session.Participants() {
					fmt.Fprintf(out, "  %s (%s)\n", p.UserName, p.UserID)
				}
			default:
				if err := session.SendChat(line); err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
			}
		}
		session.Leave()
	}()

	<-session.Done()
	fmt.Fprintln(out, "left meeting")
	return nil
}

// resolveMeeting turns an ID or short code into the canonical meeting
// ID via the HTTP API.
func resolveMeeting(server, ref string) (string, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(server + "/api/meetings/" + url.PathEscape(ref))
	if err != nil {
		return "", fmt.Errorf("looking up meeting: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("meeting %q not found", ref)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("looking up meeting: status %d", resp.StatusCode)
	}
	var body struct {
		MeetingID string `json:"meetingId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding meeting: %w", err)
	}
	return body.MeetingID, nil
}

func fetchICEServers(server, userID string) ([]webrtc.ICEServer, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(server + "/api/turn-credentials?userId=" + url.QueryEscape(userID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var body struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		entry := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			entry.Username = s.Username
			entry.Credential = s.Credential
		}
		servers = append(servers, entry)
	}
	return servers, nil
}

func signalingURL(server, meetingID, userID, userName, token string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = "/ws/meetings/" + meetingID

	q := u.Query()
	if token != "" {
		q.Set("token", token)
	} else {
		q.Set("userId", userID)
		q.Set("userName", userName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// discardTrack drains RTP so the remote keeps sending.
func discardTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
