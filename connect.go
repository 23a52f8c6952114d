package cellecho

import (
	"context"
	"errors"
)

// Connect drives the interface through the bounded-retry connect loop.
//
// An authentication failure is fatal and returned immediately, regardless
// of the retry counter. Any other failure increments the counter; once it
// strictly exceeds the retry limit the last error is returned joined with
// ErrRetriesExceeded. A never-connecting interface therefore sees exactly
// retryLimit+1 connect calls (one initial attempt plus retryLimit retries).
func (s *Session) Connect(ctx context.Context) error {
	retries := 0
	for !s.iface.IsConnected() {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.iface.Connect()
		if err == nil {
			break
		}
		if errors.Is(err, ErrAuthFailure) {
			s.rep.Print("\n\nAuthentication Failure. Exiting application\n")
			return err
		}
		retries++
		if retries > s.retryLimit {
			s.rep.Printf("\n\nFatal connection failure: %v\n", err)
			return errors.Join(ErrRetriesExceeded, err)
		}
		s.rep.Printf("\n\nCouldn't connect: %v, will retry\n", err)
	}
	s.rep.Print("\n\nConnection Established.\n")
	s.log.Info("interface connected", "ip", s.iface.IPAddress().String())
	return nil
}
