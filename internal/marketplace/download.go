package marketplace

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/ternarybob/polymer/internal/interfaces"
	"golang.org/x/text/unicode/norm"
)

// DownloadFile opens a streaming GET on rawURL, following redirects, and
// resolves the attachment filename from Content-Disposition.
func (c *Client) DownloadFile(ctx context.Context, rawURL string) (*interfaces.RemoteFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, remoteError(ErrMalformedResponse, "download", rawURL, 0, err)
	}

	resp, err := c.do(ctx, "download", req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		drain(resp.Body)
		return nil, remoteError(ErrAuthRequired, "download", rawURL, resp.StatusCode, nil)
	case !isSuccess(resp.StatusCode):
		drain(resp.Body)
		return nil, remoteError(ErrRemoteUnavailable, "download", rawURL, resp.StatusCode, nil)
	}

	filename, err := AttachmentFilename(resp.Header.Get("Content-Disposition"))
	if err != nil {
		drain(resp.Body)
		return nil, remoteError(ErrMalformedResponse, "download", rawURL, resp.StatusCode, err)
	}

	return &interfaces.RemoteFile{
		Filename: filename,
		Size:     resp.ContentLength,
		Body:     resp.Body,
	}, nil
}

var errNoFilename = errors.New("no usable filename in Content-Disposition")

// AttachmentFilename extracts the filename from a Content-Disposition value.
// filename* wins over filename. The result is NFC-normalized and reduced to
// a bare name so it can never escape the destination directory.
func AttachmentFilename(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errNoFilename
	}

	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return "", errors.Join(errNoFilename, err)
	}

	name := norm.NFC.String(strings.TrimSpace(params["filename"]))
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))

	switch name {
	case "", ".", "..", "/":
		return "", errNoFilename
	}
	return name, nil
}
