package mlflow

// When modifying please run the manual test for this file with:
// go test -v -tags manual ./...

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	dbfsMaxUploadFileSize = 64 * 1024 * 1024
)

// DBFSArtifactRepo uploads to DBFS (Databricks File System).
// Generally it is used indirectly via [Run.LogArtifact].
type DBFSArtifactRepo struct {
	// Based on
	// https://github.com/mlflow/mlflow/blob/e7ff52d724e3218704fde225493e52c5acd41bb6/mlflow/store/artifact/databricks_artifact_repo.py
	rest  *RESTStore
	runID string
	// Path of this repo relative to the run's artifact root.
	basePath string
	client   *http.Client
}

// uri is the run's artifact root or a directory below it.
func NewDBFSArtifactRepo(restStore *RESTStore, runID, uri string) (ArtifactRepo, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "dbfs" {
		return nil, fmt.Errorf("expected dbfs URI scheme, got %s", parsed.Scheme)
	}
	if runID == "" {
		return nil, fmt.Errorf("mlflow.NewDBFSArtifactRepo: empty run ID")
	}
	basePath := ""
	if i := strings.Index(parsed.Path, "/"+artifactsFolderName); i >= 0 {
		basePath = strings.Trim(parsed.Path[i+len(artifactsFolderName)+1:], "/")
	}
	return &DBFSArtifactRepo{rest: restStore, runID: runID, basePath: basePath, client: restStore.client}, nil
}

// Implements [ArtifactRepo.LogArtifact].
func (repo *DBFSArtifactRepo) LogArtifact(localPath, artifactPath string) error {
	destPath := path.Join(repo.basePath, artifactPath, filepath.Base(localPath))
	var creds credentialsForWriteResponse
	if err := repo.rest.do(http.MethodPost,
		"artifacts/credentials-for-write",
		credentialsForWriteRequest{RunID: repo.runID, Path: []string{destPath}},
		&creds); err != nil {
		return err
	}
	if len(creds.CredentialInfos) != 1 {
		return fmt.Errorf("expected 1 credential, got %d", len(creds.CredentialInfos))
	}
	credInfo := creds.CredentialInfos[0]

	// We have to read the file into memory here rather than pass the file
	// in to http.NewRequest. Otherwise it will set the Transfer-Encoding
	// header to chunked, which AWS S3 does not support.
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file %q: %w", localPath, err)
	}
	localBytes, err := io.ReadAll(io.LimitReader(f, dbfsMaxUploadFileSize))
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to read file %q: %w", localPath, err)
	}
	if len(localBytes) == dbfsMaxUploadFileSize {
		return fmt.Errorf("file %q is too large (>= %d bytes) to upload in a single shot", localPath, dbfsMaxUploadFileSize)
	}
	httpReq, err := http.NewRequest(http.MethodPut, credInfo.SignedURI, bytes.NewReader(localBytes))
	if err != nil {
		return err
	}
	for _, header := range credInfo.Headers {
		httpReq.Header.Add(header.Name, header.Value)
	}
	httpRes, err := repo.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to upload artifact using signed URI %s: %w", credInfo.SignedURI, err)
	}
	defer httpRes.Body.Close()
	resBody, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if httpRes.StatusCode != http.StatusOK && httpRes.StatusCode != http.StatusCreated {
		return fmt.Errorf("failed to upload artifact using signed URI %s with status %s: %s",
			credInfo.SignedURI, httpRes.Status, resBody)
	}
	return nil
}

// Implements [ArtifactRepo.LogArtifacts].
func (repo *DBFSArtifactRepo) LogArtifacts(localDir, artifactPath string) error {
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

// Implements [ArtifactRepo.ListArtifacts] through the tracking server.
func (repo *DBFSArtifactRepo) ListArtifacts(dir string) ([]FileInfo, error) {
	return repo.rest.listArtifacts(repo.runID, path.Join(repo.basePath, dir))
}
