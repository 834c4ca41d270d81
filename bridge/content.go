package bridge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/concrnt/socialnode/types"
)

const renderedTTL = 60 * 60

// NormalizeContentType maps inbound content types onto the canonical set.
// Empty means text/plain; bare image types gain their ;base64 suffix.
func NormalizeContentType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch ct {
	case "":
		return types.ContentTypePlain
	case "image/png":
		return types.ContentTypePNG
	case "image/jpeg", "image/jpg", "image/jpg;base64":
		return types.ContentTypeJPEG
	}
	return ct
}

func isKnownContentType(ct string) bool {
	switch ct {
	case types.ContentTypePlain, types.ContentTypeMarkdown,
		types.ContentTypePNG, types.ContentTypeJPEG, types.ContentTypeBase64,
		types.ContentTypeMP4, types.ContentTypeAVI, types.ContentTypeMOV:
		return true
	}
	return false
}

func isCommentContentType(ct string) bool {
	return ct == types.ContentTypePlain || ct == types.ContentTypeMarkdown
}

// DecodeContent prepares inbound content for storage. Image payloads keep
// whatever form they arrived in (media path, data URI or raw base64); only
// line breaks inserted by base64 encoders are removed.
func DecodeContent(contentType, content string) string {
	if !types.IsImageContentType(contentType) {
		return content
	}
	return strings.Join(strings.Fields(content), "")
}

// encodeContent prepares stored content for the wire.
func (s *Service) encodeContent(ctx context.Context, contentType, content string) string {
	switch {
	case contentType == types.ContentTypeMarkdown:
		return s.RenderMarkdown(ctx, content)
	case types.IsImageContentType(contentType):
		return s.inlineMedia(ctx, content)
	}
	return content
}

// inlineMedia replaces a stored media path by the base64 of the file.
// Data URIs and raw base64 pass through, so the result is stable under repeated calls.
func (s *Service) inlineMedia(ctx context.Context, content string) string {
	_, span := tracer.Start(ctx, "BridgeInlineMedia")
	defer span.End()

	if content == "" || strings.HasPrefix(content, "data:") || s.config.MediaRoot == "" {
		return content
	}
	rel, ok := s.minter.MediaPath(content)
	if !ok {
		return content
	}

	data, err := os.ReadFile(filepath.Join(s.config.MediaRoot, filepath.FromSlash(rel)))
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("media", rel).Msg("media file unreadable, sending reference")
		return content
	}
	return base64.StdEncoding.EncodeToString(data)
}

// Image returns the decoded bytes of an image post and their media type.
// Payloads that are not inline base64 are reported as not found.
func (s *Service) Image(ctx context.Context, post types.Post) (string, []byte, error) {
	ctx, span := tracer.Start(ctx, "BridgeImage")
	defer span.End()

	if !types.IsImageContentType(post.ContentType) {
		return "", nil, errors.Wrap(types.ErrNotFound, "post "+post.FQID+" is not an image")
	}

	mime := strings.TrimSuffix(post.ContentType, ";base64")
	payload := s.inlineMedia(ctx, post.Content)
	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		header, body, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return "", nil, errors.Wrap(types.ErrNotFound, "image of "+post.FQID+" is not base64")
		}
		if declared := strings.TrimSuffix(header, ";base64"); declared != "" {
			mime = declared
		}
		payload = body
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		span.RecordError(err)
		return "", nil, errors.Wrap(types.ErrNotFound, "image of "+post.FQID+" is not inline")
	}
	if mime == types.ContentTypeBase64 {
		mime = http.DetectContentType(data)
	}
	return mime, data, nil
}

// RenderMarkdown renders src to sanitized HTML. Results are memoized in
// memcached under a hash of the source.
func (s *Service) RenderMarkdown(ctx context.Context, src string) string {
	_, span := tracer.Start(ctx, "BridgeRenderMarkdown")
	defer span.End()

	sum := sha256.Sum256([]byte(src))
	key := "socialnode:md:" + hex.EncodeToString(sum[:])

	if s.mc != nil {
		if item, err := s.mc.Get(key); err == nil {
			return string(item.Value)
		}
	}

	p := parser.NewWithExtensions(parser.CommonExtensions | parser.HardLineBreak)
	r := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags | html.HrefTargetBlank})
	rendered := Sanitize(string(markdown.ToHTML([]byte(src), p, r)))

	if s.mc != nil {
		err := s.mc.Set(&memcache.Item{Key: key, Value: []byte(rendered), Expiration: renderedTTL})
		if err != nil {
			log.Debug().Err(err).Msg("memcached set failed")
		}
	}
	return rendered
}

var allowedAttrs = map[string][]string{
	"a":          {"href", "title", "target"},
	"img":        {"src", "alt", "title"},
	"p":          nil,
	"br":         nil,
	"hr":         nil,
	"em":         nil,
	"strong":     nil,
	"del":        nil,
	"code":       nil,
	"pre":        nil,
	"blockquote": nil,
	"ul":         nil,
	"ol":         nil,
	"li":         nil,
	"h1":         nil,
	"h2":         nil,
	"h3":         nil,
	"h4":         nil,
	"h5":         nil,
	"h6":         nil,
	"table":      nil,
	"thead":      nil,
	"tbody":      nil,
	"tr":         nil,
	"th":         nil,
	"td":         nil,
	"sup":        nil,
	"sub":        nil,
	"details":    nil,
	"summary":    nil,
}

// dropped together with their children
var droppedTags = map[string]bool{
	"script":   true,
	"style":    true,
	"iframe":   true,
	"object":   true,
	"embed":    true,
	"form":     true,
	"noscript": true,
	"template": true,
}

// Sanitize keeps an allow-list of elements and attributes. Unknown elements
// are unwrapped, script-like elements are removed with their content, and
// links with script schemes lose their target.
func Sanitize(fragment string) string {
	container := &xhtml.Node{Type: xhtml.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := xhtml.ParseFragment(strings.NewReader(fragment), container)
	if err != nil {
		return xhtml.EscapeString(fragment)
	}

	root := &xhtml.Node{Type: xhtml.ElementNode, Data: "div", DataAtom: atom.Div}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	cleanChildren(root)

	var buf bytes.Buffer
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := xhtml.Render(&buf, c); err != nil {
			return xhtml.EscapeString(fragment)
		}
	}
	return strings.TrimSpace(buf.String())
}

func cleanChildren(parent *xhtml.Node) {
	for c := parent.FirstChild; c != nil; {
		next := c.NextSibling
		switch c.Type {
		case xhtml.CommentNode, xhtml.DoctypeNode:
			parent.RemoveChild(c)
		case xhtml.ElementNode:
			if droppedTags[c.Data] {
				parent.RemoveChild(c)
				break
			}
			cleanChildren(c)
			attrs, ok := allowedAttrs[c.Data]
			if !ok {
				for gc := c.FirstChild; gc != nil; {
					gnext := gc.NextSibling
					c.RemoveChild(gc)
					parent.InsertBefore(gc, c)
					gc = gnext
				}
				parent.RemoveChild(c)
				break
			}
			c.Attr = filterAttrs(c.Attr, attrs)
		}
		c = next
	}
}

func filterAttrs(attrs []xhtml.Attribute, allowed []string) []xhtml.Attribute {
	kept := make([]xhtml.Attribute, 0, len(attrs))
	for _, attr := range attrs {
		if attr.Namespace != "" || !lo.Contains(allowed, attr.Key) {
			continue
		}
		if (attr.Key == "href" || attr.Key == "src") && !safeURL(attr.Val) {
			continue
		}
		kept = append(kept, attr)
	}
	return kept
}

func safeURL(u string) bool {
	v := strings.ToLower(strings.Join(strings.Fields(u), ""))
	for _, scheme := range []string{"javascript:", "vbscript:", "data:text"} {
		if strings.HasPrefix(v, scheme) {
			return false
		}
	}
	return true
}
