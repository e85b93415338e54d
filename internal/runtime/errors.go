package runtime

import (
	"errors"

	"github.com/nexusd/nexus/internal/nexuserr"
)

// ClassifyDockerErr maps a docker/docker client error into the host's
// NotFound/Network/Other taxonomy so callers can use errors.Is uniformly
// regardless of which engine library raised it.
func ClassifyDockerErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isNotFoundErr(err):
		return nexuserr.Wrap(nexuserr.RuntimeNotFound, "container runtime: not found", err)
	case isConnectionErr(err):
		return nexuserr.Wrap(nexuserr.RuntimeNetwork, "container runtime: connection error", err)
	default:
		return nexuserr.Wrap(nexuserr.RuntimeOther, "container runtime error", err)
	}
}

// notFounder matches the docker client's errdefs.ErrNotFound-style interface
// without importing containerd/errdefs directly, since only docker/docker's
// own client package is in this module's dependency surface.
type notFounder interface{ NotFound() bool }

func isNotFoundErr(err error) bool {
	var nf notFounder
	if errors.As(err, &nf) {
		return nf.NotFound()
	}
	return false
}

type connectionErrorer interface{ Temporary() bool }

func isConnectionErr(err error) bool {
	var ce connectionErrorer
	return errors.As(err, &ce)
}
