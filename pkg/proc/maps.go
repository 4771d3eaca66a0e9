package proc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

type MemoryRegion struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Device string
	Inode  uint64
	Path   string
}

func (r MemoryRegion) Size() uint64 {
	return r.End - r.Start
}

func (r MemoryRegion) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

func (r MemoryRegion) Protection() Protection {
	return ParseProtection(r.Perms)
}

// FileBacked reports whether the region maps a file, as opposed to
// anonymous memory or a pseudo region such as [heap] or [stack].
func (r MemoryRegion) FileBacked() bool {
	return r.Inode != 0 && strings.HasPrefix(r.Path, "/")
}

// ReadMaps parses /proc/[pid]/maps.
func ReadMaps(pid int) ([]MemoryRegion, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseMaps(f)
}

// ParseMaps parses the maps format from r. Malformed lines are skipped.
func ParseMaps(r io.Reader) ([]MemoryRegion, error) {
	var regions []MemoryRegion

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		// 解析地址范围
		addrs := strings.Split(fields[0], "-")
		if len(addrs) != 2 {
			continue
		}
		start, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			continue
		}
		inode, _ := strconv.ParseUint(fields[4], 10, 64)

		region := MemoryRegion{
			Start:  start,
			End:    end,
			Perms:  fields[1],
			Offset: parseHex(fields[2]),
			Device: fields[3],
			Inode:  inode,
		}
		if len(fields) > 5 {
			region.Path = strings.Join(fields[5:], " ")
		}
		regions = append(regions, region)
	}
	return regions, scanner.Err()
}

func parseHex(s string) uint64 {
	if s == "0" {
		return 0
	}
	val, _ := strconv.ParseUint(s, 16, 64)
	return val
}
