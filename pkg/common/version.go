package common

// Version is the testxm release, stamped by the build via -ldflags.
// Tests see it as TMT_VERSION.
var Version = "dev"
