//go:build !windows

package printing

func platformBackend() string { return BackendIPP }
