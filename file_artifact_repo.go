package mlflow

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// FileArtifactRepo writes to a local file system.
// Generally it is used indirectly via [Run.LogArtifact].
type FileArtifactRepo struct {
	rootDir string
}

func NewFileArtifactRepo(rootDir string) (ArtifactRepo, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("mlflow.NewFileArtifactRepo: empty root dir")
	}
	return &FileArtifactRepo{rootDir: rootDir}, nil
}

// Implements [ArtifactRepo.LogArtifact]. The file lands in the
// artifactPath directory under its own base name.
func (repo *FileArtifactRepo) LogArtifact(localPath, artifactPath string) error {
	destDir := filepath.Join(repo.rootDir, filepath.FromSlash(artifactPath))
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("mlflow.FileArtifactRepo.LogArtifact: %w", err)
	}
	dest := filepath.Join(destDir, filepath.Base(localPath))
	// Logging the same file twice replaces it.
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("mlflow.FileArtifactRepo.LogArtifact: %w", err)
	}
	if err := os.Link(localPath, dest); err == nil {
		return nil
	}
	if err := copyFile(localPath, dest); err != nil {
		return fmt.Errorf("mlflow.FileArtifactRepo.LogArtifact: %w", err)
	}
	return nil
}

// Implements [ArtifactRepo.LogArtifacts]. The contents of localDir are
// placed under artifactPath.
func (repo *FileArtifactRepo) LogArtifacts(localDir, artifactPath string) error {
	return filepath.WalkDir(localDir, func(curPath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, filepath.Dir(curPath))
		if err != nil {
			return err
		}
		return repo.LogArtifact(curPath, path.Join(artifactPath, filepath.ToSlash(rel)))
	})
}

// Implements [ArtifactRepo.ListArtifacts].
func (repo *FileArtifactRepo) ListArtifacts(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(filepath.Join(repo.rootDir, filepath.FromSlash(dir)))
	if err != nil {
		// Missing directories and plain files list as empty, like the Python client.
		if errors.Is(err, fs.ErrNotExist) || isNotDir(err) {
			return []FileInfo{}, nil
		}
		return nil, fmt.Errorf("mlflow.FileArtifactRepo.ListArtifacts: %w", err)
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info := FileInfo{Path: path.Join(dir, entry.Name()), IsDir: entry.IsDir()}
		if !entry.IsDir() {
			fi, err := entry.Info()
			if err != nil {
				return nil, fmt.Errorf("mlflow.FileArtifactRepo.ListArtifacts: %w", err)
			}
			info.FileSize = fi.Size()
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func isNotDir(err error) bool {
	var pathErr *fs.PathError
	if !errors.As(err, &pathErr) {
		return false
	}
	fi, statErr := os.Stat(pathErr.Path)
	return statErr == nil && !fi.IsDir()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() // ignore error; Copy error takes precedence
		return err
	}
	return out.Close()
}

// logArtifactTo logs a file or, recursively, a directory. A directory
// keeps its own name under artifactPath.
func logArtifactTo(repo ArtifactRepo, localPath, artifactPath string) error {
	localInfo, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	if localInfo.IsDir() {
		return repo.LogArtifacts(localPath, path.Join(artifactPath, localInfo.Name()))
	}
	return repo.LogArtifact(localPath, artifactPath)
}
