package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Putter is the slice of the S3 client the archiver needs.
type s3Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver writes a campaign's final report and full log export to S3 when
// the campaign reaches a terminal state. Archival is best effort: a failed
// upload is logged, never propagated into the campaign lifecycle.
type Archiver struct {
	client s3Putter
	engine *Engine
	bucket string
	prefix string
}

// NewArchiver creates an S3 report archiver.
func NewArchiver(client *s3.Client, engine *Engine, bucket, prefix string) *Archiver {
	return &Archiver{client: client, engine: engine, bucket: bucket, prefix: prefix}
}

// ArchiveCampaign uploads the stats summary and the CSV log for one
// finished campaign under <prefix>/<campaignID>/.
func (a *Archiver) ArchiveCampaign(ctx context.Context, campaignID string) error {
	stats, err := a.engine.CampaignStats(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("stats for archive: %w", err)
	}
	statsJSON, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	var csvBuf bytes.Buffer
	if err := a.engine.ExportCampaign(ctx, campaignID, "csv", &csvBuf); err != nil {
		return fmt.Errorf("export for archive: %w", err)
	}

	if err := a.put(ctx, a.key(campaignID, "stats.json"), statsJSON, "application/json"); err != nil {
		return err
	}
	if err := a.put(ctx, a.key(campaignID, "variation_log.csv"), csvBuf.Bytes(), "text/csv"); err != nil {
		return err
	}

	log.Printf("[ReportArchiver] Campaign %s archived to s3://%s/%s", campaignID, a.bucket, a.key(campaignID, ""))
	return nil
}

// ArchiveAsync runs ArchiveCampaign on its own goroutine with a fresh
// timeout, for use from the campaign completion path.
func (a *Archiver) ArchiveAsync(campaignID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := a.ArchiveCampaign(ctx, campaignID); err != nil {
			log.Printf("[ReportArchiver] Campaign %s archive failed: %v", campaignID, err)
		}
	}()
}

func (a *Archiver) key(campaignID, name string) string {
	return a.prefix + campaignID + "/" + name
}

func (a *Archiver) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"archived_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
