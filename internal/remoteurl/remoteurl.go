// Package remoteurl parses the s3:// and s3+zip:// remote URLs that
// identify an object-store bucket/prefix as a git remote.
package remoteurl

import (
	"strings"

	"github.com/alecthomas/errors"
)

// Scheme selects between the plain bundle-only remote and the variant that
// also uploads a zip archive alongside each bundle.
type Scheme int

const (
	// SchemeS3 stores only the bundle per ref.
	SchemeS3 Scheme = iota
	// SchemeS3Zip additionally uploads a repo.zip archive per ref.
	SchemeS3Zip
)

func (s Scheme) String() string {
	if s == SchemeS3Zip {
		return "s3+zip"
	}
	return "s3"
}

// Remote is the parsed, immutable form of a git-remote-s3 URL:
// s3://[profile@]bucket/prefix or s3+zip://[profile@]bucket/prefix.
type Remote struct {
	Scheme  Scheme
	Profile string // empty if unspecified
	Bucket  string
	Prefix  string
}

// Parse decomposes a remote URL into its scheme, optional credential
// profile, bucket, and prefix. Both bucket and prefix must be non-empty.
func Parse(raw string) (*Remote, error) {
	scheme, rest, err := splitScheme(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid remote %q", raw)
	}

	if rest == "" {
		return nil, errors.Errorf("invalid remote %q: missing bucket and prefix", raw)
	}

	profile := ""
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		profile = rest[:at]
		rest = rest[at+1:]
	}

	bucket, prefix, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || prefix == "" {
		return nil, errors.Errorf(
			"invalid remote %q: you need to have a bucket and a prefix", raw)
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return nil, errors.Errorf(
			"invalid remote %q: you need to have a bucket and a prefix", raw)
	}

	return &Remote{
		Scheme:  scheme,
		Profile: profile,
		Bucket:  bucket,
		Prefix:  prefix,
	}, nil
}

func splitScheme(raw string) (Scheme, string, error) {
	switch {
	case strings.HasPrefix(raw, "s3+zip://"):
		return SchemeS3Zip, strings.TrimPrefix(raw, "s3+zip://"), nil
	case strings.HasPrefix(raw, "s3://"):
		return SchemeS3, strings.TrimPrefix(raw, "s3://"), nil
	default:
		return 0, "", errors.Errorf("unsupported scheme, expected s3:// or s3+zip://")
	}
}

// RefKey returns the object key prefix for a ref: <prefix>/<ref>.
func (r *Remote) RefKey(ref string) string {
	return r.Prefix + "/" + ref
}

// HeadKey returns the key of the remote HEAD marker object.
func (r *Remote) HeadKey() string {
	return r.Prefix + "/HEAD"
}

// LFSKey returns the key under which an LFS object with the given oid is stored.
func (r *Remote) LFSKey(oid string) string {
	return r.Prefix + "/lfs/" + oid
}
