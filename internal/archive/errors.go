package archive

import "errors"

var (
	ErrStoreClosed              = errors.New("archive store is closed")
	ErrNilStore                 = errors.New("archive store cannot be nil")
	ErrDispatcherAlreadyRunning = errors.New("archive dispatcher is already running")
	ErrDispatcherNotRunning     = errors.New("archive dispatcher is not running")
)
