package download

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/canonical/imagehost/shared/logger"
	"github.com/canonical/imagehost/shared/subprocess"
)

const fileModuleName = "file"

// Section is one shared filesystem description, the image_file_url:<name>
// configuration section.
//
// ID is an opaque string shared with the image service so that a file URL
// it advertises can be matched to a filesystem mounted here. Mountpoint is
// where that filesystem is mounted locally, which may differ from the
// mount point the image service advertises.
type Section struct {
	Name       string `yaml:"name"`
	ID         string `yaml:"id"`
	Mountpoint string `yaml:"mountpoint"`
}

var descriptorRequiredKeys = []string{"id", "mountpoint"}

// FileTransfer copies images from file URLs on a filesystem shared with the
// image service. Without any configured filesystem both sides are assumed to
// see the same tree.
type FileTransfer struct {
	sections []Section
	run      subprocess.RunFunc
	logger   logger.Logger
}

func newFileTransfer(opts *options) Module {
	return &FileTransfer{
		sections: opts.sections,
		run:      opts.run,
		logger:   opts.logger.AddContext(logger.Ctx{"module": fileModuleName}),
	}
}

// NewFileTransfer returns the file transfer module on its own.
func NewFileTransfer(opts ...Option) *FileTransfer {
	o := &options{
		run:    subprocess.Run,
		logger: logger.Log,
	}

	for _, opt := range opts {
		opt(o)
	}

	return newFileTransfer(o).(*FileTransfer)
}

func (t *FileTransfer) String() string {
	return fileModuleName
}

// getOptions returns the configured filesystems keyed by id.
func (t *FileTransfer) getOptions() (map[string]Section, error) {
	filesystems := make(map[string]Section, len(t.sections))
	for _, section := range t.sections {
		if section.ID == "" {
			return nil, &ConfigurationError{
				Module: t.String(),
				Reason: fmt.Sprintf("The group image_file_url:%s must be configured with an id.", section.Name),
			}
		}

		filesystems[section.ID] = section
	}

	return filesystems, nil
}

func (t *FileTransfer) verifyConfig(filesystems map[string]Section) error {
	for _, fs := range filesystems {
		for _, key := range descriptorRequiredKeys {
			if descriptorValue(fs, key) != "" {
				continue
			}

			reason := fmt.Sprintf("The key %s is required in all file system descriptions.", key)
			t.logger.Error(reason, logger.Ctx{"filesystem": fs.Name})

			return &ConfigurationError{Module: t.String(), Reason: reason}
		}
	}

	return nil
}

func descriptorValue(fs Section, key string) string {
	switch key {
	case "id":
		return fs.ID
	case "mountpoint":
		return fs.Mountpoint
	}

	return ""
}

// fileSystemLookup returns the filesystem the location metadata refers to,
// or nil when its id is not configured here.
func (t *FileTransfer) fileSystemLookup(filesystems map[string]Section, metadata map[string]string, u *url.URL) (*Section, error) {
	for _, key := range descriptorRequiredKeys {
		_, ok := metadata[key]
		if !ok {
			reason := fmt.Sprintf("The key %s is required in the location metadata to access the url %s.", key, u.String())
			t.logger.Info(reason)

			return nil, &MetadataError{Module: t.String(), Reason: reason}
		}
	}

	fs, ok := filesystems[metadata["id"]]
	if !ok {
		t.logger.Info("The ID is unknown", logger.Ctx{"id": metadata["id"]})
		return nil, nil
	}

	return &fs, nil
}

// NormalizeDestination maps path under glanceMount to the same file under
// novaMount. Only the first occurrence of glanceMount is replaced.
func NormalizeDestination(novaMount string, glanceMount string, path string) (string, error) {
	if !strings.HasPrefix(path, glanceMount) {
		return "", &MetadataError{
			Module: fileModuleName,
			Reason: fmt.Sprintf("The mount point advertised by glance: %s, does not match the URL path: %s", glanceMount, path),
		}
	}

	return strings.Replace(path, glanceMount, novaMount, 1), nil
}

// Download copies the file u points at to dstFile.
func (t *FileTransfer) Download(ctx context.Context, u *url.URL, dstFile string, metadata map[string]string) error {
	filesystems, err := t.getOptions()
	if err != nil {
		return err
	}

	novaMount := "/"
	glanceMount := "/"

	if len(filesystems) > 0 {
		err = t.verifyConfig(filesystems)
		if err != nil {
			return err
		}

		fs, err := t.fileSystemLookup(filesystems, metadata, u)
		if err != nil {
			return err
		}

		if fs == nil {
			return &ModuleError{
				Module: t.String(),
				Reason: fmt.Sprintf("No matching ID for the URL %s was found.", u.String()),
			}
		}

		novaMount = fs.Mountpoint
		glanceMount = metadata["mountpoint"]
	}

	src, err := NormalizeDestination(novaMount, glanceMount, u.Path)
	if err != nil {
		return err
	}

	_, err = t.run(ctx, subprocess.Callbacks{}, "cp", "-r", src, dstFile)
	if err != nil {
		return fmt.Errorf("Failed copying %q to %q: %w", src, dstFile, err)
	}

	t.logger.Info("Copied image", logger.Ctx{"src": src, "dst": dstFile})
	return nil
}
