package version

// Version is the current version of screen-share-cli.
// This value can be overridden at build time using:
//   go build -ldflags="-X 'github.com/lichon/screen-share-cli/internal/version.Version=v1.0.0'"
var Version = "dev"
