// Package tree builds the browsable library tree served by the web page.
package tree

import (
	"path"
	"sort"
	"strings"
	"time"

	"github.com/lucaji/Shari/internal/catalog"
)

// Node is a document or directory in the library tree.
type Node struct {
	ID       string    `json:"id,omitempty"`
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Title    string    `json:"title,omitempty"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mtime"`
	IsDir    bool      `json:"is_dir"`
	Children []*Node   `json:"children,omitempty"`
}

// Build assembles a tree rooted at "/" from catalog records. dirs lists
// extra directory locations (possibly empty ones) to include.
func Build(records []catalog.Record, dirs []string) *Node {
	root := &Node{Name: "", Path: "/", IsDir: true}
	for _, d := range dirs {
		ensureDir(root, d)
	}
	for _, r := range records {
		parent := ensureDir(root, path.Dir(r.Location))
		parent.Children = append(parent.Children, &Node{
			ID:      r.Handle.String(),
			Name:    path.Base(r.Location),
			Path:    BuildChildPath(parent.Path, path.Base(r.Location)),
			Title:   r.Title,
			Size:    r.Size,
			ModTime: r.ModTime,
		})
		if r.ModTime.After(parent.ModTime) {
			parent.ModTime = r.ModTime
		}
	}
	sortTree(root)
	return root
}

// ensureDir returns the directory node for a slash location, creating
// intermediate nodes.
func ensureDir(root *Node, location string) *Node {
	location = strings.Trim(location, "/")
	if location == "" || location == "." {
		return root
	}
	node := root
	for _, name := range strings.Split(location, "/") {
		var next *Node
		for _, c := range node.Children {
			if c.IsDir && c.Name == name {
				next = c
				break
			}
		}
		if next == nil {
			next = &Node{Name: name, Path: BuildChildPath(node.Path, name), IsDir: true}
			node.Children = append(node.Children, next)
		}
		node = next
	}
	return node
}

// sortTree orders directories before documents, each by name, and fills in
// directory sizes.
func sortTree(n *Node) int64 {
	if !n.IsDir {
		return n.Size
	}
	var total int64
	for _, c := range n.Children {
		total += sortTree(c)
	}
	n.Size = total
	sort.Slice(n.Children, func(i, j int) bool {
		a, b := n.Children[i], n.Children[j]
		if a.IsDir != b.IsDir {
			return a.IsDir
		}
		return a.Name < b.Name
	})
	return total
}

// FindByPath resolves a path in the tree (recursive).
func FindByPath(root *Node, p string) *Node {
	if root == nil {
		return nil
	}
	if root.Path == p {
		return root
	}
	for _, child := range root.Children {
		if found := FindByPath(child, p); found != nil {
			return found
		}
	}
	return nil
}

// FindByID finds a document node by its catalog handle.
func FindByID(root *Node, id string) *Node {
	if root == nil {
		return nil
	}
	if root.ID == id && id != "" {
		return root
	}
	for _, child := range root.Children {
		if found := FindByID(child, id); found != nil {
			return found
		}
	}
	return nil
}

// CountNodes counts all nodes in a tree.
func CountNodes(root *Node) int {
	if root == nil {
		return 0
	}
	count := 1
	for _, child := range root.Children {
		count += CountNodes(child)
	}
	return count
}

// CountDocuments counts the non-directory nodes.
func CountDocuments(root *Node) int {
	if root == nil {
		return 0
	}
	if !root.IsDir {
		return 1
	}
	n := 0
	for _, child := range root.Children {
		n += CountDocuments(child)
	}
	return n
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}

// Location converts a tree path back to a catalog location.
func Location(treePath string) string {
	return strings.TrimPrefix(treePath, "/")
}

// Flatten returns all nodes in a flat map keyed by path.
func Flatten(root *Node) map[string]*Node {
	result := make(map[string]*Node)
	if root == nil {
		return result
	}
	flattenRecursive(root, result)
	return result
}

func flattenRecursive(node *Node, result map[string]*Node) {
	result[node.Path] = node
	for _, child := range node.Children {
		flattenRecursive(child, result)
	}
}
