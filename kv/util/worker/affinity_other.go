//go:build !linux

package worker

func bindCPU(cpu int) error {
	return nil
}
