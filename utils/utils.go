package utils

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli"
)

const (
	ExactArgs = iota
	MinArgs
	MaxArgs
)

func CheckArgs(context *cli.Context, expected, checkType int, fn func(args cli.Args) error) error {
	var err error
	cmdName := context.Command.Name
	switch checkType {
	case ExactArgs:
		if context.NArg() != expected {
			err = fmt.Errorf("%s: %q requires exactly %d argument(s)", os.Args[0], cmdName, expected)
		}
	case MinArgs:
		if context.NArg() < expected {
			err = fmt.Errorf("%s: %q requires a minimum of %d argument(s)", os.Args[0], cmdName, expected)
		}
	case MaxArgs:
		if context.NArg() > expected {
			err = fmt.Errorf("%s: %q requires a maximum of %d argument(s)", os.Args[0], cmdName, expected)
		}
	}

	if err != nil {
		fmt.Printf("Incorrect Usage.\n\n")
		_ = cli.ShowCommandHelp(context, cmdName)
		return err
	}

	return fn(context.Args())
}

func PrefixIn(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}

	return false
}

func SuffixIn(s string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}

	return false
}

func MD5(s string) string {
	hasher := md5.New()
	hasher.Write([]byte(s))
	hashSlice := hasher.Sum(nil)
	return hex.EncodeToString(hashSlice)
}

// ParseAddress accepts decimal, 0x hex and 0o octal addresses.
func ParseAddress(s string) (uint64, error) {
	addr, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return addr, nil
}

// ParseRange parses "start-end" or a single index into an inclusive range.
func ParseRange(s string) (uint64, uint64, error) {
	first, last, found := strings.Cut(s, "-")
	start, err := strconv.ParseUint(first, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range %q", s)
	}
	if !found {
		return start, start, nil
	}
	end, err := strconv.ParseUint(last, 10, 64)
	if err != nil || end < start {
		return 0, 0, fmt.Errorf("invalid range %q", s)
	}
	return start, end, nil
}
