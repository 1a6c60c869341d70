package assetcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DirUsage is the on-disk footprint of one bundle directory.
type DirUsage struct {
	Name    string    `json:"name"`
	Bytes   int64     `json:"bytes"`
	ModTime time.Time `json:"modTime"`
}

// Usage lists every bundle directory under root, oldest modification time first.
// A missing root is empty.
func Usage(root string) ([]DirUsage, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache root: %w", err)
	}

	var out []DirUsage
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		size, err := dirSize(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, DirUsage{Name: e.Name(), Bytes: size, ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].Name < out[j].Name
		}
		return out[i].ModTime.Before(out[j].ModTime)
	})
	return out, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("size of %s: %w", dir, err)
	}
	return total, nil
}

// EnforceQuota removes whole bundle directories under root, oldest modification time
// first, until the total size is at most limit. It returns the removed directory names
// in removal order.
func EnforceQuota(root string, limit int64) ([]string, error) {
	removed, _, err := enforceQuota(root, limit)
	return removed, err
}

func enforceQuota(root string, limit int64) ([]string, int64, error) {
	dirs, err := Usage(root)
	if err != nil {
		return nil, 0, err
	}
	var total int64
	for _, d := range dirs {
		total += d.Bytes
	}

	var removed []string
	for _, d := range dirs {
		if total <= limit {
			break
		}
		if err := os.RemoveAll(filepath.Join(root, d.Name)); err != nil {
			return removed, total, fmt.Errorf("evict %s: %w", d.Name, err)
		}
		total -= d.Bytes
		removed = append(removed, d.Name)
	}
	return removed, total, nil
}
