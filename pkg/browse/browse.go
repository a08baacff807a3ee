// Package browse lists the folders and DICOM files below a directory so a
// client can pick a series to load.
package browse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"volumeqa/internal/models"
)

// DefaultMaxDepth is the number of directory levels expanded by default.
const DefaultMaxDepth = 3

// Node types
const (
	TypeFolder = "folder"
	TypeFile   = "file"
)

// Node is one entry in the directory tree.
type Node struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Type     string `json:"type"`
	Children []Node `json:"children,omitempty"`
}

// MarshalJSON always emits a children list for folders, even an empty one.
func (n Node) MarshalJSON() ([]byte, error) {
	type plain Node
	if n.Type != TypeFolder {
		return json.Marshal(plain(n))
	}
	children := n.Children
	if children == nil {
		children = []Node{}
	}
	return json.Marshal(struct {
		plain
		Children []Node `json:"children"`
	}{plain(n), children})
}

// IsDICOM reports whether name carries a DICOM file extension.
func IsDICOM(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".dcm", ".dicom":
		return true
	}
	return false
}

// Tree lists path up to maxDepth levels deep (maxDepth <= 0 uses
// DefaultMaxDepth). Hidden entries are skipped; unreadable directories list
// as empty.
func Tree(path string, maxDepth int) ([]Node, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: path %s", models.ErrNotFound, path)
		}
		return nil, err
	}
	if !info.IsDir() {
		return []Node{}, nil
	}

	return walk(path, maxDepth, 0), nil
}

func walk(dir string, maxDepth, depth int) []Node {
	nodes := []Node{}
	if depth >= maxDepth {
		return nodes
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nodes
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		full := filepath.Join(dir, name)
		switch {
		case entry.IsDir():
			nodes = append(nodes, Node{
				Name:     name,
				Path:     full,
				Type:     TypeFolder,
				Children: walk(full, maxDepth, depth+1),
			})
		case entry.Type().IsRegular() && IsDICOM(name):
			nodes = append(nodes, Node{Name: name, Path: full, Type: TypeFile})
		}
	}
	return nodes
}
