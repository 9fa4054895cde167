// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package archive copies the final logs of terminal generations into object
// storage. The whole package is optional; when no MinIO endpoint is
// configured the reconciler runs without it.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/privateaim/pod-orchestrator/api/analysis"
)

// BucketName holds the archived generation logs.
const BucketName = "logs"

// LogArchiver uploads generation logs to a MinIO bucket.
type LogArchiver struct {
	client *minio.Client
	log    logr.Logger
}

// NewLogArchiver connects to MinIO and makes sure the bucket exists.
func NewLogArchiver(ctx context.Context, endpoint, accessKey, secretKey string, log logr.Logger) (*LogArchiver, error) {
	secure := strings.HasPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to probe bucket %s: %w", BucketName, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", BucketName, err)
		}
	}
	return &LogArchiver{client: client, log: log.WithName("log-archiver")}, nil
}

// Archive uploads the analysis half of a generation's log blob under
// <project>/<analysis>/<deployment>_<status>_<uuid>.log. The random suffix
// keeps re-runs of a deleted analysis from overwriting earlier archives.
func (a *LogArchiver) Archive(ctx context.Context, gen *analysis.Generation) error {
	if gen.Log == nil {
		return nil
	}
	var buf bytes.Buffer
	for pod, text := range gen.Log.Analysis {
		fmt.Fprintf(&buf, "=== %s ===\n%s\n", pod, text)
	}
	object := fmt.Sprintf("%s/%s/%s_%s_%s.log", gen.ProjectID, gen.AnalysisID, gen.DeploymentName, gen.Status, uuid.NewString())
	_, err := a.client.PutObject(ctx, BucketName, object, &buf, int64(buf.Len()),
		minio.PutObjectOptions{ContentType: "text/plain"})
	if err != nil {
		return fmt.Errorf("failed to archive log %s: %w", object, err)
	}
	a.log.Info("archived generation log", "object", object)
	return nil
}
