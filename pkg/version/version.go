package version

// Build information reported in nodes status responses. Both values are meant
// to be overridden at link time:
//
//	go build -ldflags "-X github.com/amirimatin/go-nodestatus/pkg/version.Version=1.20.5 \
//	    -X github.com/amirimatin/go-nodestatus/pkg/version.GitHash=c14301b"
var (
    Version = "dev"
    GitHash = "unknown"
)
