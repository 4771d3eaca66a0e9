//go:build linux

package native

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func readMemory(pid int, data []byte, ptr uintptr) (int, error) {
	localIov := []unix.Iovec{
		{
			Base: &data[0],
		},
	}
	localIov[0].SetLen(len(data))

	remoteIov := []unix.RemoteIovec{
		{
			Base: ptr,
			Len:  len(data),
		},
	}

	return unix.ProcessVMReadv(pid, localIov, remoteIov, 0)
}

func writeMemory(pid int, data []byte, ptr uintptr) (int, error) {
	localIov := []unix.Iovec{
		{
			Base: &data[0],
		},
	}
	localIov[0].SetLen(len(data))

	remoteIov := []unix.RemoteIovec{
		{
			Base: ptr,
			Len:  len(data),
		},
	}

	return unix.ProcessVMWritev(pid, localIov, remoteIov, 0)
}

func writeProcMem(pid int, data []byte, addr uint64) (int, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_WRONLY, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return f.WriteAt(data, int64(addr))
}
