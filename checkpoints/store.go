package checkpoints

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// localTimeLayout matches the suffix appended to colliding checkpoint names
const localTimeLayout = "Jan-02-2006_15-04-05"

// StoreConfig configures where and how checkpoints are written
type StoreConfig struct {
	Directory string           // Directory to save checkpoints, created if absent
	Filename  string           // Run filename stem, e.g. "GPT2-wikitext-Oct-19-2026_10-00-00"
	Format    CheckpointFormat // JSON or Proto
}

// DefaultStoreConfig returns a sensible default configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Directory: "./saved",
		Filename:  "model",
		Format:    FormatJSON,
	}
}

// Store writes per-epoch checkpoints and maintains the "best" pointer.
//
// Files are named <directory>/<filename><tag>.<ext>; the best pointer is a
// symlink named <directory>/<filename>.<ext>.
type Store struct {
	config StoreConfig
	saver  *CheckpointSaver
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates the checkpoint directory and returns a store writing into it
func NewStore(config StoreConfig, logger *slog.Logger) (*Store, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("checkpoint filename must not be empty")
	}
	if config.Directory == "" {
		config.Directory = DefaultStoreConfig().Directory
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(config.Directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &Store{
		config: config,
		saver:  NewCheckpointSaver(config.Format),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Config returns the store configuration
func (s *Store) Config() StoreConfig {
	return s.config
}

// PathFor returns the path a checkpoint with the given tag is written to
func (s *Store) PathFor(tag string) string {
	return filepath.Join(s.config.Directory, s.config.Filename+tag+"."+s.config.Format.Extension())
}

// BestPath returns the path of the best-checkpoint pointer
func (s *Store) BestPath() string {
	return s.PathFor("")
}

// EpochTag returns the default tag for an epoch checkpoint
func EpochTag(epoch int) string {
	return fmt.Sprintf("_epoch-%d", epoch)
}

// Save writes the checkpoint and returns its absolute path.
//
// An empty tag means EpochTag(checkpoint.Epoch). When a file already occupies
// the destination it is replaced if overwrite is set, otherwise a local-time
// suffix keeps both. When best is set the best pointer is replaced to point
// at the new file. Overwriting the file the best pointer refers to without
// best first turns the pointer into a copy of the previous contents.
func (s *Store) Save(checkpoint *Checkpoint, tag string, overwrite bool, best bool) (string, error) {
	if tag == "" {
		tag = EpochTag(checkpoint.Epoch)
	}

	base, err := filepath.Abs(filepath.Join(s.config.Directory, s.config.Filename+tag))
	if err != nil {
		return "", fmt.Errorf("failed to resolve checkpoint path: %w", err)
	}
	ext := "." + s.config.Format.Extension()
	path := base + ext

	if _, err := os.Lstat(path); err == nil {
		if overwrite {
			if !best {
				if err := s.detachBest(path); err != nil {
					return "", err
				}
			}
		} else {
			path = base + s.now().Format(localTimeLayout) + ext
		}
	}

	if err := s.saver.SaveCheckpoint(checkpoint, path); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	s.logger.Info("saving current checkpoint", "path", path)

	if best {
		if err := s.pointBestAt(path); err != nil {
			return path, err
		}
	}

	return path, nil
}

// pointBestAt replaces the best pointer with a symlink to target.
// Filesystems without symlinks get a hard link, then a copy.
func (s *Store) pointBestAt(target string) error {
	bestPath, err := filepath.Abs(s.BestPath())
	if err != nil {
		return fmt.Errorf("failed to resolve best checkpoint path: %w", err)
	}

	if _, err := os.Lstat(bestPath); err == nil {
		if err := os.Remove(bestPath); err != nil {
			return fmt.Errorf("failed to remove previous best checkpoint: %w", err)
		}
	}

	if err := os.Symlink(target, bestPath); err == nil {
		return nil
	}
	if err := os.Link(target, bestPath); err == nil {
		return nil
	}
	if err := copyFile(target, bestPath); err != nil {
		return fmt.Errorf("failed to create best checkpoint pointer: %w", err)
	}
	return nil
}

// detachBest replaces a best symlink resolving to target with a copy of
// target, so target can be rewritten without changing the best checkpoint
func (s *Store) detachBest(target string) error {
	bestPath, err := filepath.Abs(s.BestPath())
	if err != nil {
		return fmt.Errorf("failed to resolve best checkpoint path: %w", err)
	}
	info, err := os.Lstat(bestPath)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return nil
	}
	resolved, err := filepath.EvalSymlinks(bestPath)
	if err != nil {
		return nil
	}
	current, err := filepath.EvalSymlinks(target)
	if err != nil || resolved != current {
		return nil
	}

	err = writeFile(bestPath, func(w io.Writer) error {
		in, err := os.Open(target)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to detach best checkpoint: %w", err)
	}
	s.logger.Debug("best checkpoint pointer replaced by a copy", "path", bestPath)
	return nil
}

// Load reads a checkpoint. The codec follows the file extension, falling back
// to the store format. A missing path yields ErrCheckpointNotFound.
func (s *Store) Load(path string) (*Checkpoint, error) {
	format := FormatFromPath(path, s.config.Format)
	if format == s.config.Format {
		return s.saver.LoadCheckpoint(path)
	}
	return NewCheckpointSaver(format).LoadCheckpoint(path)
}

// LoadBest reads the checkpoint the best pointer refers to
func (s *Store) LoadBest() (*Checkpoint, error) {
	return s.Load(s.BestPath())
}

// Exists reports whether a checkpoint file is present at path
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// IsNotFound reports whether err means the checkpoint file is missing
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCheckpointNotFound)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
