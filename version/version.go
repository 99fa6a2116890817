package version

// Version is set at build time with
// -ldflags="-X github.com/outpaintd/outpaintd/version.Version=...".
var Version = "0.0.0"
