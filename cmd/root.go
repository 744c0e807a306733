package cmd

import (
	"errors"
	"os"

	"github.com/lichon/screen-share-cli/internal/config"
	"github.com/lichon/screen-share-cli/internal/ui"
	"github.com/lichon/screen-share-cli/internal/version"
	"github.com/spf13/cobra"
)

var (
	flagOpts        = config.DefaultOptions()
	flagShowClose   bool
	flagRenegotiate bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "screen-share-cli",
	Short: "Share a screen or camera with one peer over WebRTC, no signaling server needed",
	Long: `screen-share-cli captures the screen (or a camera) and negotiates a WebRTC
connection by exchanging a single offer/answer pair with its host process.

Descriptors are written to stdout as escape-framed lines:

  ESC 9 BEL ::SSC:OFFER:<base64 sdp>.\r\n
  ESC 9 BEL ::SSC:ANSWER:<base64 sdp>.\r\n
  ESC 9 BEL ::SSC:CLOSE:<reason>.\r\n

The host answers on stdin (or over --host-url). Logs go to stderr.

Examples:
  screen-share-cli --fps 15 --width 1280
  screen-share-cli --camera --audio
  screen-share-cli --offer <base64 offer> --hide
  screen-share-cli --host-url ws://127.0.0.1:9000/ssc --await-start`,
	Version: version.Version,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := flagOpts
		if cmd.Flags().Changed("show-close") {
			opts.ShowClose = &flagShowClose
		}
		if cmd.Flags().Changed("renegotiate") {
			opts.Renegotiate = &flagRenegotiate
		}
		return runSession(cmd.Context(), opts)
	},
}

// ExitError carries a non-zero exit status for a session that already
// reported its outcome.
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string {
	return "closed: " + e.Reason
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()

	f.BoolVar(&flagOpts.Audio, "audio", false, "Capture audio")
	f.BoolVar(&flagOpts.Video, "video", true, "Capture video")
	f.BoolVar(&flagOpts.Camera, "camera", false, "Capture a camera instead of the screen")
	f.IntVar(&flagOpts.FPS, "fps", config.DefaultFPS, "Frame rate")
	f.IntVar(&flagOpts.Width, "width", 0, "Video width (0 = unconstrained)")
	f.IntVar(&flagOpts.Height, "height", 0, "Video height (0 = unconstrained)")
	f.BoolVar(&flagOpts.Hide, "hide", false, "Do not show the status window")
	f.BoolVar(&flagShowClose, "show-close", false, "Offer a close key (default true when --offer is given)")
	f.StringVar(&flagOpts.Offer, "offer", "", "Base64 encoded remote offer; answer it instead of offering")
	f.DurationVar(&flagOpts.GatherTimeout, "gather-timeout", 0, "Candidate gathering timeout (default 1s offering, 5s answering)")
	f.BoolVar(&flagRenegotiate, "renegotiate", false, "Answer further offers sent over the data channel (default true when --offer is given)")

	f.StringSliceVarP(&flagOpts.STUNServers, "stun", "s", nil, "STUN server, repeatable")
	f.StringVarP(&flagOpts.TURNServer, "turn", "t", "", "TURN server")
	f.StringVarP(&flagOpts.TURNUser, "turn-user", "u", "", "TURN username")
	f.StringVarP(&flagOpts.TURNPass, "turn-pass", "p", "", "TURN password")
	f.BoolVarP(&flagOpts.ForceRelay, "relay", "r", false, "Force relay mode")

	f.StringVar(&flagOpts.FFmpegPath, "ffmpeg", "", "ffmpeg binary (env FFMPEG_PATH)")
	f.StringVar(&flagOpts.Display, "display", "", "X11 display to capture (env DISPLAY)")
	f.StringVar(&flagOpts.CameraDevice, "camera-device", "", "Camera device")
	f.StringVar(&flagOpts.AudioDevice, "audio-device", "", "Audio input device")

	f.StringVar(&flagOpts.HostURL, "host-url", "", "Exchange frames over this websocket instead of stdio (env SSC_HOST_URL)")
	f.StringVar(&flagOpts.HostCodec, "host-codec", config.CodecFrame, "Inbound stdin codec: frame or msgpack")
	f.BoolVar(&flagOpts.AwaitStart, "await-start", false, "Wait for a start message from the host before capturing")
}
