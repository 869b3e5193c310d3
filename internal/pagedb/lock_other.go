//go:build !unix

package pagedb

// fileLock is a no-op where flock(2) is unavailable. Only the in-process
// registry prevents a table from being opened twice.
type fileLock struct{}

func lockFile(string) (*fileLock, error) {
	return &fileLock{}, nil
}

func (*fileLock) release() error {
	return nil
}
