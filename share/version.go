package share

// BuildVersion is the wsrx version. It is overridden at link time with
// -ldflags "-X github.com/sammck-go/wsrx/share.BuildVersion=...".
var BuildVersion = "0.0.0-src"

// UserAgent is sent on outbound health checks
func UserAgent() string {
	return "wsrx/" + BuildVersion
}
