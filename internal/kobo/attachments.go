package kobo

import (
	"context"
	"strings"

	"kobo_connect/internal/domain"
	"kobo_connect/pkg/logger"
)

// Descriptors reads an _attachments list. Entries without a filename are skipped.
func Descriptors(v interface{}) []domain.AttachmentDescriptor {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]domain.AttachmentDescriptor, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		d := domain.AttachmentDescriptor{
			Filename:         String(m["filename"]),
			DownloadURL:      String(m["download_url"]),
			DownloadLargeURL: String(m["download_large_url"]),
			MimeType:         String(m["mimetype"]),
		}
		if d.Filename == "" {
			continue
		}
		out = append(out, d)
	}
	return out
}

// BuildIndex keys each descriptor by its sanitized base filename. urlFor picks
// the download location; later duplicates overwrite earlier ones.
func BuildIndex(descs []domain.AttachmentDescriptor, urlFor func(domain.AttachmentDescriptor) string) domain.AttachmentIndex {
	idx := make(domain.AttachmentIndex, len(descs))
	for _, d := range descs {
		u := urlFor(d)
		if u == "" {
			continue
		}
		idx[Sanitize(baseName(d.Filename))] = domain.Attachment{URL: u, MimeType: d.MimeType}
	}
	return idx
}

// EmbeddedURL is the download location Kobo puts in webhook payloads.
func EmbeddedURL(d domain.AttachmentDescriptor) string {
	if d.DownloadLargeURL != "" {
		return d.DownloadLargeURL
	}
	return d.DownloadURL
}

// ResolveAttachments builds the attachment index for a normalized submission.
// With a token, an asset and the numeric _id present, the stored submission is
// re-read from Kobo after LookupDelay since webhooks can arrive before the
// attachment list is complete. Lookup failures fall back to the embedded list.
func (c *Client) ResolveAttachments(ctx context.Context, fields domain.Fields, token, asset string) domain.AttachmentIndex {
	id := String(fields["_id"])
	if token != "" && asset != "" && id != "" {
		if live := c.liveDescriptors(ctx, token, asset, id); len(live) > 0 {
			return BuildIndex(live, func(d domain.AttachmentDescriptor) string {
				return c.opts.MediaURL + d.Filename
			})
		}
	}
	return BuildIndex(Descriptors(fields["_attachments"]), EmbeddedURL)
}

func (c *Client) liveDescriptors(ctx context.Context, token, asset, id string) []domain.AttachmentDescriptor {
	if err := sleep(ctx, c.opts.LookupDelay); err != nil {
		return nil
	}
	doc, err := c.GetSubmission(ctx, token, asset, id)
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"koboasset":          asset,
			"kobo_submission_id": id,
		}).Warnf("attachment lookup failed, using webhook attachments: %v", err)
		return nil
	}
	return Descriptors(doc["_attachments"])
}

func baseName(filename string) string {
	if i := strings.LastIndex(filename, "/"); i >= 0 {
		return filename[i+1:]
	}
	return filename
}
