package docpipe

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var mdParser = goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough))

// openMarkdown parses an externally authored Markdown file. Headings keep
// their level through a "Heading N" style; local images become inline refs.
func openMarkdown(path string, opts Options) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseMarkdown(FormatMD, path, data, filepath.Dir(path), opts)
}

func parseMarkdown(format Format, path string, src []byte, baseDir string, opts Options) (Source, error) {
	doc := mdParser.Parser().Parse(text.NewReader(src))
	b := &mdBuilder{src: src, baseDir: baseDir, opts: opts}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		b.block(n)
	}

	s := &source{
		format:   format,
		path:     path,
		kind:     PositionParagraph,
		first:    0,
		last:     len(b.elements) - 1,
		elements: b.elements,
		images:   b.images,
	}
	return s, nil
}

type mdBuilder struct {
	src      []byte
	baseDir  string
	opts     Options
	elements []Element
	images   []ImageRef
}

func (b *mdBuilder) block(n ast.Node) {
	pos := len(b.elements)
	switch node := n.(type) {
	case *ast.Heading:
		runs, _ := b.inlineRuns(node, Run{Bold: true})
		b.addParagraph(&Paragraph{
			Pos:   pos,
			Style: "Heading " + strconv.Itoa(node.Level),
			Runs:  runs,
		})
	case *ast.Paragraph, *ast.TextBlock:
		runs, imgs := b.inlineRuns(node, Run{})
		p := &Paragraph{Pos: pos, Runs: runs}
		for _, img := range imgs {
			if ref, ok := b.imageRef(img, pos); ok {
				p.ImageRefs = append(p.ImageRefs, ref.ID)
				b.images = append(b.images, ref)
			}
		}
		b.addParagraph(p)
	case *east.Table:
		t := &Table{Pos: pos}
		for row := node.FirstChild(); row != nil; row = row.NextSibling() {
			var cells []Cell
			for c := row.FirstChild(); c != nil; c = c.NextSibling() {
				if _, ok := c.(*east.TableCell); !ok {
					continue
				}
				runs, _ := b.inlineRuns(c, Run{})
				cells = append(cells, Cell{Paragraphs: [][]Run{runs}})
			}
			t.Rows = append(t.Rows, cells)
		}
		b.elements = append(b.elements, Element{Kind: ElemTable, Table: t})
	case *ast.ThematicBreak, *ast.HTMLBlock:
		// dropped
	default:
		raw := strings.TrimSpace(b.rawBlock(n))
		if raw != "" {
			b.addParagraph(&Paragraph{Pos: pos, Runs: []Run{{Text: raw}}})
		}
	}
}

func (b *mdBuilder) addParagraph(p *Paragraph) {
	p.Text = strings.TrimSpace(joinRuns(p.Runs))
	if p.Text == "" && len(p.ImageRefs) == 0 {
		return
	}
	b.elements = append(b.elements, Element{Kind: ElemParagraph, Paragraph: p})
}

// inlineRuns flattens inline children into formatted runs and collects the
// images met on the way.
func (b *mdBuilder) inlineRuns(n ast.Node, base Run) ([]Run, []*ast.Image) {
	var runs []Run
	var imgs []*ast.Image
	var walk func(ast.Node, Run)
	walk = func(n ast.Node, fmtRun Run) {
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			switch node := c.(type) {
			case *ast.Text:
				r := fmtRun
				r.Text = string(node.Segment.Value(b.src))
				if node.HardLineBreak() {
					r.Text += "\n"
				} else if node.SoftLineBreak() {
					r.Text += "\n"
				}
				runs = append(runs, r)
			case *ast.String:
				r := fmtRun
				r.Text = string(node.Value)
				runs = append(runs, r)
			case *ast.CodeSpan:
				r := fmtRun
				r.Text = string(b.collectText(node))
				runs = append(runs, r)
			case *ast.Emphasis:
				next := fmtRun
				if node.Level >= 2 {
					next.Bold = true
				} else {
					next.Italic = true
				}
				walk(node, next)
			case *ast.Image:
				imgs = append(imgs, node)
			case *ast.Link:
				next := fmtRun
				next.Link = string(node.Destination)
				walk(node, next)
			case *ast.AutoLink:
				r := fmtRun
				r.Text = string(node.Label(b.src))
				r.Link = string(node.URL(b.src))
				runs = append(runs, r)
			case *ast.RawHTML:
				// inline tags carry no text worth keeping
			default:
				walk(node, fmtRun)
			}
		}
	}
	walk(n, base)
	return runs, imgs
}

func (b *mdBuilder) collectText(n ast.Node) []byte {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(b.src))
		} else {
			buf.Write(b.collectText(c))
		}
	}
	return buf.Bytes()
}

// rawBlock returns the source text spanned by a block, from the start of its
// first line, so list markers and quote prefixes survive.
func (b *mdBuilder) rawBlock(n ast.Node) string {
	start, stop := -1, -1
	var visit func(ast.Node)
	visit = func(n ast.Node) {
		if n.Type() == ast.TypeBlock {
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				if start < 0 || seg.Start < start {
					start = seg.Start
				}
				if seg.Stop > stop {
					stop = seg.Stop
				}
			}
		}
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			visit(c)
		}
	}
	visit(n)
	if start < 0 || stop <= start {
		return ""
	}
	for start > 0 && b.src[start-1] != '\n' {
		start--
	}
	return string(b.src[start:stop])
}

// within reports whether path lies under root once both are absolute.
func within(root, path string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// imageRef resolves a local image destination. Remote URLs are skipped:
// the pipeline never fetches over the network.
func (b *mdBuilder) imageRef(img *ast.Image, pos int) (ImageRef, bool) {
	dest := string(img.Destination)
	if dest == "" {
		return ImageRef{}, false
	}
	if u, err := url.Parse(dest); err == nil && u.Scheme != "" && u.Scheme != "file" {
		b.opts.Logger.Debug("markdown remote image skipped", "url", dest)
		return ImageRef{}, false
	}
	if u, err := url.PathUnescape(strings.TrimPrefix(dest, "file://")); err == nil {
		dest = u
	}
	full := dest
	if !filepath.IsAbs(full) {
		full = filepath.Join(b.baseDir, filepath.FromSlash(dest))
	}
	root := b.opts.ImageRoot
	if root == "" {
		root = b.baseDir
	}
	if !within(root, full) {
		b.opts.Logger.Warn("markdown image outside document root skipped", "image", dest, "root", root)
		return ImageRef{}, false
	}
	return ImageRef{
		ID:     fmt.Sprintf("%s@%d", dest, pos),
		Pos:    pos,
		Name:   dest,
		Inline: true,
		Open:   func() ([]byte, error) { return os.ReadFile(full) },
	}, true
}
