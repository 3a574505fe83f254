package docpipe

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
)

// maxPartSize caps any single XML part read from the archive.
const maxPartSize = 64 << 20

// openDocx parses word/document.xml into body elements, resolving styles
// through word/styles.xml and drawings through word/_rels/document.xml.rels.
func openDocx(filePath string, opts Options) (Source, error) {
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	docFile := files["word/document.xml"]
	if docFile == nil {
		zr.Close()
		return nil, fmt.Errorf("word/document.xml not found in archive")
	}

	styles, err := readDocxStyles(files["word/styles.xml"])
	if err != nil {
		opts.Logger.Warn("docx styles unreadable, using raw style ids", "error", err)
	}
	rels, err := readDocxRels(files["word/_rels/document.xml.rels"])
	if err != nil {
		opts.Logger.Warn("docx relationships unreadable, images skipped", "error", err)
	}

	rc, err := docFile.Open()
	if err != nil {
		zr.Close()
		return nil, fmt.Errorf("open document.xml: %w", err)
	}
	p := &docxParser{
		styles:   styles,
		maxDepth: opts.MaxXMLDepth,
	}
	err = p.parse(io.LimitReader(rc, maxPartSize))
	rc.Close()
	if err != nil {
		zr.Close()
		return nil, err
	}

	src := &source{
		format:   FormatDocx,
		path:     filePath,
		kind:     PositionParagraph,
		first:    0,
		last:     len(p.elements) - 1,
		elements: p.elements,
		closeFn:  zr.Close,
	}
	src.baseSize = dominantSize(src.elements)

	seen := map[string]bool{}
	for _, ref := range p.imageRefs {
		target, ok := rels[ref.rid]
		if !ok {
			opts.Logger.Warn("docx image relationship missing", "rid", ref.rid, "pos", ref.pos)
			continue
		}
		zf := files[target]
		if zf == nil {
			opts.Logger.Warn("docx image part missing", "rid", ref.rid, "target", target)
			continue
		}
		id := fmt.Sprintf("%s@%d", ref.rid, ref.pos)
		if seen[id] {
			continue
		}
		seen[id] = true
		src.images = append(src.images, ImageRef{
			ID:     id,
			Pos:    ref.pos,
			Name:   target,
			Inline: ref.inline,
			Open:   func() ([]byte, error) { return readZipFile(zf, maxPartSize) },
		})
	}
	return src, nil
}

type docxImageRef struct {
	rid    string
	pos    int
	inline bool
}

// docxFrame is a paragraph suspended while a text box inside one of its
// runs is parsed.
type docxFrame struct {
	para *Paragraph
	rids []string
	run  *Run
}

// docxParser walks the WordprocessingML token stream. Only body-level
// paragraphs and tables become elements; nested tables are flattened into
// the enclosing cell. Text box paragraphs (w:txbxContent) are emitted right
// after the paragraph that anchors them.
type docxParser struct {
	styles   map[string]string
	maxDepth int

	elements  []Element
	imageRefs []docxImageRef

	depth    int
	tblDepth int
	inPPr    bool
	inRPr    bool

	para     *Paragraph
	paraRIDs []string
	run      *Run
	inText   bool

	frames   []docxFrame
	boxed    []docxFrame
	fallback int

	table     *Table
	row       []Cell
	cell      *Cell
	tableRIDs []string
}

func (p *docxParser) parse(r io.Reader) error {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			p.depth++
			if p.depth > p.maxDepth {
				return fmt.Errorf("document.xml: nesting depth exceeds %d", p.maxDepth)
			}
			// mc:Fallback repeats the mc:Choice content for old readers.
			if t.Name.Local == "Fallback" || p.fallback > 0 {
				p.fallback++
				continue
			}
			p.start(t)
		case xml.EndElement:
			p.depth--
			if p.fallback > 0 {
				p.fallback--
				continue
			}
			p.end(t)
		case xml.CharData:
			if p.fallback == 0 && p.inText && p.run != nil {
				p.run.Text += string(t)
			}
		}
	}
}

func (p *docxParser) start(t xml.StartElement) {
	switch t.Name.Local {
	case "tbl":
		p.tblDepth++
		if p.tblDepth == 1 {
			p.table = &Table{}
			p.tableRIDs = nil
		}
	case "tr":
		if p.tblDepth == 1 {
			p.row = nil
		}
	case "tc":
		if p.tblDepth == 1 {
			p.cell = &Cell{}
		}
	case "p":
		if p.para != nil {
			p.frames = append(p.frames, docxFrame{para: p.para, rids: p.paraRIDs, run: p.run})
			p.run = nil
		}
		p.para = &Paragraph{}
		p.paraRIDs = nil
	case "pPr":
		p.inPPr = true
	case "pStyle":
		if p.para != nil && p.inPPr {
			id := attr(t, "val")
			if name, ok := p.styles[id]; ok {
				p.para.Style = name
			} else {
				p.para.Style = id
			}
		}
	case "r":
		if p.para != nil {
			p.run = &Run{}
		}
	case "rPr":
		p.inRPr = true
	case "b", "bCs":
		if p.run != nil && p.inRPr && !p.inPPr {
			p.run.Bold = onOff(t)
		}
	case "i", "iCs":
		if p.run != nil && p.inRPr && !p.inPPr {
			p.run.Italic = onOff(t)
		}
	case "sz":
		if p.run != nil && p.inRPr && !p.inPPr {
			if hp, err := strconv.ParseFloat(attr(t, "val"), 64); err == nil {
				p.run.Size = hp / 2
			}
		}
	case "t":
		p.inText = true
	case "tab":
		if p.run != nil && !p.inPPr {
			p.run.Text += "\t"
		}
	case "br", "cr":
		if p.run != nil {
			p.run.Text += "\n"
		}
	case "blip":
		if rid := attr(t, "embed"); rid != "" {
			p.addImage(rid)
		}
	case "imagedata":
		if rid := attr(t, "id"); rid != "" {
			p.addImage(rid)
		}
	}
}

func (p *docxParser) end(t xml.EndElement) {
	switch t.Name.Local {
	case "t":
		p.inText = false
	case "pPr":
		p.inPPr = false
	case "rPr":
		p.inRPr = false
	case "r":
		if p.run != nil && p.para != nil {
			if p.run.Text != "" {
				p.para.Runs = append(p.para.Runs, *p.run)
			}
			p.run = nil
		}
	case "p":
		if n := len(p.frames); n > 0 {
			if p.para != nil {
				p.boxed = append(p.boxed, docxFrame{para: p.para, rids: p.paraRIDs})
			}
			top := p.frames[n-1]
			p.frames = p.frames[:n-1]
			p.para, p.paraRIDs, p.run = top.para, top.rids, top.run
			return
		}
		p.endParagraph()
		boxed := p.boxed
		p.boxed = nil
		for _, b := range boxed {
			p.para, p.paraRIDs = b.para, b.rids
			p.endParagraph()
		}
	case "tc":
		if p.tblDepth == 1 && p.cell != nil {
			p.row = append(p.row, *p.cell)
			p.cell = nil
		}
	case "tr":
		if p.tblDepth == 1 && p.table != nil {
			p.table.Rows = append(p.table.Rows, p.row)
			p.row = nil
		}
	case "tbl":
		p.tblDepth--
		if p.tblDepth == 0 && p.table != nil {
			pos := len(p.elements)
			p.table.Pos = pos
			p.elements = append(p.elements, Element{Kind: ElemTable, Table: p.table})
			for _, rid := range p.tableRIDs {
				p.imageRefs = append(p.imageRefs, docxImageRef{rid: rid, pos: pos})
			}
			p.table = nil
		}
	}
}

func (p *docxParser) addImage(rid string) {
	switch {
	case p.tblDepth > 0:
		p.tableRIDs = append(p.tableRIDs, rid)
	case p.para != nil:
		p.paraRIDs = append(p.paraRIDs, rid)
	}
}

func (p *docxParser) endParagraph() {
	para := p.para
	p.para = nil
	if para == nil {
		return
	}
	if p.tblDepth > 0 {
		if p.cell != nil {
			p.cell.Paragraphs = append(p.cell.Paragraphs, para.Runs)
		}
		return
	}

	para.Text = strings.TrimSpace(joinRuns(para.Runs))
	if para.Text == "" && len(p.paraRIDs) == 0 {
		return
	}
	pos := len(p.elements)
	para.Pos = pos
	for _, rid := range p.paraRIDs {
		id := fmt.Sprintf("%s@%d", rid, pos)
		para.ImageRefs = append(para.ImageRefs, id)
		p.imageRefs = append(p.imageRefs, docxImageRef{rid: rid, pos: pos, inline: true})
	}
	p.elements = append(p.elements, Element{Kind: ElemParagraph, Paragraph: para})
}

func attr(t xml.StartElement, local string) string {
	for _, a := range t.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// onOff reads a ST_OnOff toggle: absent val means on.
func onOff(t xml.StartElement) bool {
	switch strings.ToLower(attr(t, "val")) {
	case "0", "false", "off", "none":
		return false
	}
	return true
}

// readDocxStyles maps styleId to display name ("2" -> "heading 2").
func readDocxStyles(f *zip.File) (map[string]string, error) {
	styles := map[string]string{}
	if f == nil {
		return styles, nil
	}
	data, err := readZipFile(f, maxPartSize)
	if err != nil {
		return styles, err
	}
	var doc struct {
		Styles []struct {
			ID   string `xml:"styleId,attr"`
			Name struct {
				Val string `xml:"val,attr"`
			} `xml:"name"`
		} `xml:"style"`
	}
	if err := xml.Unmarshal(data, &doc); err != nil {
		return styles, fmt.Errorf("styles.xml: %w", err)
	}
	for _, s := range doc.Styles {
		if s.ID != "" && s.Name.Val != "" {
			styles[s.ID] = s.Name.Val
		}
	}
	return styles, nil
}

// readDocxRels maps internal relationship ids to archive paths.
func readDocxRels(f *zip.File) (map[string]string, error) {
	rels := map[string]string{}
	if f == nil {
		return rels, nil
	}
	data, err := readZipFile(f, maxPartSize)
	if err != nil {
		return rels, err
	}
	var doc struct {
		Rels []struct {
			ID         string `xml:"Id,attr"`
			Target     string `xml:"Target,attr"`
			TargetMode string `xml:"TargetMode,attr"`
		} `xml:"Relationship"`
	}
	if err := xml.Unmarshal(data, &doc); err != nil {
		return rels, fmt.Errorf("document.xml.rels: %w", err)
	}
	for _, r := range doc.Rels {
		if strings.EqualFold(r.TargetMode, "External") {
			continue
		}
		target := r.Target
		if strings.HasPrefix(target, "/") {
			target = strings.TrimPrefix(target, "/")
		} else {
			target = path.Clean(path.Join("word", target))
		}
		rels[r.ID] = target
	}
	return rels, nil
}

func readZipFile(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s exceeds %d bytes", f.Name, limit)
	}
	return data, nil
}
