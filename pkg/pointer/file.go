package pointer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

type forestFile struct {
	Roots []*Root `json:"roots"`
}

// Load appends the roots stored in r and rebuilds the count.
func (c *Collection) Load(r io.Reader) error {
	var f forestFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return fmt.Errorf("could not decode forest: %w", err)
	}
	for _, root := range f.Roots {
		if root == nil {
			continue
		}
		c.AddRoot(root)
	}
	c.BuildCount()
	return nil
}

// Save writes the forest in the format read by Load.
func (c *Collection) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(forestFile{Roots: c.Roots()})
}

// Export writes one JSON record per pointer of it and closes it. Pointers
// without a module are written too; consumers that persist them across
// runs should check the module field.
func Export(w io.Writer, it Iterator) (int, error) {
	defer it.Close()

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	n := 0
	for it.Next() {
		if err := enc.Encode(it.At()); err != nil {
			return n, err
		}
		n++
	}
	if err := it.Err(); err != nil {
		return n, err
	}
	return n, bw.Flush()
}
