// Package staging manages the private containers uploads are written to before they're committed.
//
// Every container is derived from a numeric upload identifier, so containers of different uploads never collide
// as long as identifiers are unique. Nothing in the staging area is ever visible under a content address.
package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// Area is a directory holding staging containers.
type Area struct {
	directory string
	named     bool
}

// Container is the staging location of a single upload.
type Container struct {
	// Path is the container itself. This is what gets promoted on commit, and removed on release.
	Path string
	// FilePath is the file receiving the uploaded bytes.
	// In the flat layout it's the same as Path, in the named layout it's a file inside it.
	FilePath string
	// File is the open, exclusive write handle to FilePath.
	File *os.File
}

// NewArea returns an Area in directory.
// If named is set, containers are directories holding a single file with the declared name,
// otherwise they're bare files.
func NewArea(directory string, named bool) *Area {
	return &Area{
		directory: directory,
		named:     named,
	}
}

// Directory returns the directory containers are allocated in.
func (a *Area) Directory() string {
	return a.directory
}

// Reset removes the staging directory with everything in it, and creates it again empty.
func (a *Area) Reset() error {
	err := os.RemoveAll(a.directory)
	if err != nil {
		return fmt.Errorf("unable to remove staging directory: %w", err)
	}
	err = os.MkdirAll(a.directory, os.ModePerm)
	if err != nil {
		return fmt.Errorf("unable to create staging directory: %w", err)
	}
	return nil
}

// containerPath derives the container location for the upload with the given id.
func (a *Area) containerPath(id uint64) string {
	return filepath.Join(a.directory, strconv.FormatUint(id, 10))
}

// Allocate creates the container for the upload with the given id, and opens its file for writing.
// It fails if the container already exists.
func (a *Area) Allocate(id uint64, name string) (*Container, error) {
	p := a.containerPath(id)

	if !a.named {
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return nil, fmt.Errorf("unable to create staging file: %w", err)
		}
		return &Container{Path: p, FilePath: p, File: f}, nil
	}

	err := os.Mkdir(p, 0o755)
	if err != nil {
		return nil, fmt.Errorf("unable to create staging directory: %w", err)
	}

	fp := filepath.Join(p, name)
	f, err := os.OpenFile(fp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if rmErr := os.RemoveAll(p); rmErr != nil {
			log.WithError(rmErr).WithField("path", p).Error("unable to remove staging directory")
		}
		return nil, fmt.Errorf("unable to create staging file: %w", err)
	}

	return &Container{Path: p, FilePath: fp, File: f}, nil
}

// Release removes a container and everything in it.
// The caller needs to close the file handle first.
// A container that's already gone is not an error.
func (a *Area) Release(c *Container) error {
	err := os.RemoveAll(c.Path)
	if err != nil {
		return fmt.Errorf("unable to remove staging container %v: %w", c.Path, err)
	}
	return nil
}

// List returns the paths of all containers currently in the staging area.
func (a *Area) List() ([]string, error) {
	entries, err := os.ReadDir(a.directory)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, filepath.Join(a.directory, e.Name()))
	}
	return paths, nil
}
