package marketplace

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// page is a fetched HTML document and the URL it was served from. The
// anti-forgery tokens on it are only valid for the next form posted from it.
type page struct {
	url string
	doc *goquery.Document
}

// Login fetches the sign-in page and submits the account credentials.
// Calling it again starts a fresh sign-in on the same cookie jar.
func (c *Client) Login(ctx context.Context) error {
	signInURL := c.baseURL + signInPath

	signIn, err := c.fetchPage(ctx, "login", signInURL)
	if err != nil {
		return err
	}

	form := url.Values{
		"user[email]":     {c.credentials.Email},
		"user[password]":  {c.credentials.Password},
		"user[time_zone]": {c.timeZone},
		"commit":          {"Sign in"},
	}

	statusCode, err := c.submitForm(ctx, "login", signIn, signInURL, form)
	if err != nil {
		return err
	}

	// The sign-in endpoint answers 400 on some successful logins
	if !isSuccess(statusCode) && statusCode != http.StatusBadRequest {
		return remoteError(ErrRemoteRejected, "login", signInURL, statusCode, nil)
	}

	c.authenticated.Store(true)
	c.logger.Info().Str("status", http.StatusText(statusCode)).Msg("Marketplace session established")
	return nil
}

// ClaimFree places a zero-cost order for slug.
func (c *Client) ClaimFree(ctx context.Context, slug string) error {
	if !c.IsAuthenticated() {
		return remoteError(ErrAuthRequired, "claim", c.baseURL+freeOrderPath, 0, nil)
	}

	home, err := c.fetchPage(ctx, "claim", c.baseURL+"/")
	if err != nil {
		return err
	}

	target := c.baseURL + freeOrderPath + "?" + url.Values{"creation_slug": {slug}}.Encode()
	statusCode, err := c.submitForm(ctx, "claim", home, target, url.Values{})
	if err != nil {
		return err
	}
	if !isSuccess(statusCode) {
		return remoteError(ErrRemoteRejected, "claim", target, statusCode, nil)
	}

	c.logger.Debug().Str("slug", slug).Msg("Free order placed")
	return nil
}

func (c *Client) fetchPage(ctx context.Context, op, pageURL string) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, remoteError(ErrRemoteUnavailable, op, pageURL, 0, err)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := c.do(ctx, op, req)
	if err != nil {
		return nil, err
	}
	defer drain(resp.Body)

	if !isSuccess(resp.StatusCode) {
		return nil, remoteError(ErrRemoteUnavailable, op, pageURL, resp.StatusCode, nil)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, remoteError(ErrMalformedResponse, op, pageURL, resp.StatusCode, err)
	}
	return &page{url: pageURL, doc: doc}, nil
}

// submitForm posts form to target with the anti-forgery tokens scraped from
// from. Redirects are followed and the final status code is returned.
func (c *Client) submitForm(ctx context.Context, op string, from *page, target string, form url.Values) (int, error) {
	csrf, authenticity, err := from.tokens()
	if err != nil {
		return 0, malformed(op, from.url, "%w", err)
	}
	form.Set("authenticity_token", authenticity)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, remoteError(ErrRemoteUnavailable, op, target, 0, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-CSRF-Token", csrf)
	req.Header.Set("Referer", from.url)

	resp, err := c.do(ctx, op, req)
	if err != nil {
		return 0, err
	}
	drain(resp.Body)

	return resp.StatusCode, nil
}

// tokens returns the csrf meta token and the form authenticity token.
// Either one stands in for the other when only one is rendered.
func (p *page) tokens() (csrf, authenticity string, err error) {
	csrf, _ = p.doc.Find(`meta[name="csrf-token"]`).First().Attr("content")
	authenticity, _ = p.doc.Find(`input[name="authenticity_token"]`).First().Attr("value")

	switch {
	case csrf == "" && authenticity == "":
		return "", "", errMissingToken
	case csrf == "":
		csrf = authenticity
	case authenticity == "":
		authenticity = csrf
	}
	return csrf, authenticity, nil
}
