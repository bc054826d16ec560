package selfencryption

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/waynenilsen/self-encryption/digest"
	"github.com/waynenilsen/self-encryption/encryption"
)

// window is the resident part of the stream: a contiguous range of pages of
// pageSize bytes, indexed from first. A nil page is inside the range but not
// loaded.
type window struct {
	pageSize uint64
	first    uint64
	pages    [][]byte
	dirty    []bool

	// spilled records pages that were pushed out of the window while dirty.
	// Their content lives in the store until Close.
	spilled map[uint64]spillRecord
	// secret keys spilled pages. It never leaves the process, so spilled
	// pages cannot be decrypted by anyone else, and are never deduplicated.
	secret digest.Digest

	// scratch holds the last page loaded without making it resident. It is
	// dropped whenever that page becomes resident, since the resident copy may
	// then be written.
	scratch cachedChunk
}

type spillRecord struct {
	name   digest.Digest
	pre    digest.Digest
	length int
}

func newWindow(pageSize uint64, secret digest.Digest) window {
	return window{
		pageSize: pageSize,
		spilled:  make(map[uint64]spillRecord),
		secret:   secret,
		scratch:  cachedChunk{index: -1},
	}
}

func (w *window) reset() {
	w.first = 0
	w.pages = nil
	w.dirty = nil
	w.spilled = make(map[uint64]spillRecord)
	w.scratch = cachedChunk{index: -1}
}

// page returns page p if it is resident.
func (w *window) page(p uint64) []byte {
	if p < w.first || p >= w.first+uint64(len(w.pages)) {
		return nil
	}
	return w.pages[p-w.first]
}

// covers reports whether pages first to last are all resident.
func (w *window) covers(first, last uint64) bool {
	for p := first; p <= last; p++ {
		if w.page(p) == nil {
			return false
		}
	}
	return true
}

// dropScratch forgets the scratch copy of page p.
func (w *window) dropScratch(p uint64) {
	if w.scratch.index == int(p) {
		w.scratch = cachedChunk{index: -1}
	}
}

// copyIn writes data at pos. The pages must be resident.
func (w *window) copyIn(data []byte, pos uint64) {
	for len(data) > 0 {
		w.dropScratch(pos / w.pageSize)
		k := pos/w.pageSize - w.first
		n := copy(w.pages[k][pos%w.pageSize:], data)
		w.dirty[k] = true
		data = data[n:]
		pos += uint64(n)
	}
}

// copyOut fills out from pos. The pages must be resident.
func (w *window) copyOut(out []byte, pos uint64) {
	for len(out) > 0 {
		k := pos/w.pageSize - w.first
		n := copy(out, w.pages[k][pos%w.pageSize:])
		out = out[n:]
		pos += uint64(n)
	}
}

// prepareWindow makes the pages overlapping [pos, pos+length) resident. The
// window grows to the hull of its current range and the requested one; if
// that exceeds WindowPages, the pages farthest from the request are dropped,
// and dirty ones among them spilled to the store. A window widened by a large
// request shrinks back on the next one.
func (e *SelfEncryptor) prepareWindow(ctx context.Context, pos, length uint64) error {
	first, last := pos/e.pageSize, (pos+length-1)/e.pageSize
	limit := uint64(e.opts.WindowPages)
	if e.covers(first, last) && (limit == 0 || uint64(len(e.pages)) <= max(limit, last-first+1)) {
		return nil
	}

	newFirst, newLast := first, last
	if len(e.pages) > 0 {
		newFirst = min(newFirst, e.first)
		newLast = max(newLast, e.first+uint64(len(e.pages))-1)
	}
	if limit > 0 {
		limit = max(limit, last-first+1)
		if span := newLast - newFirst + 1; span > limit {
			left, right := e.trim(first-newFirst, newLast-last, span-limit)
			newFirst, newLast = first-left, last+right
		}
	}

	// Spill dirty pages that fall out of the window.
	for k, page := range e.pages {
		p := e.first + uint64(k)
		if page == nil || !e.dirty[k] || (p >= newFirst && p <= newLast) {
			continue
		}
		if err := e.spill(ctx, p, page); err != nil {
			return err
		}
		e.dirty[k] = false
	}

	pages := make([][]byte, newLast-newFirst+1)
	dirty := make([]bool, len(pages))
	for k, page := range e.pages {
		p := e.first + uint64(k)
		if p >= newFirst && p <= newLast {
			pages[p-newFirst] = page
			dirty[p-newFirst] = e.dirty[k]
		}
	}
	for p := first; p <= last; p++ {
		if pages[p-newFirst] != nil {
			continue
		}
		e.dropScratch(p)
		page, err := e.loadPage(ctx, p)
		if err != nil {
			return err
		}
		pages[p-newFirst] = page
	}

	if e.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		e.log.WithFields(logrus.Fields{
			"from": fmt.Sprintf("[%d, %d)", e.first, e.first+uint64(len(e.pages))),
			"to":   fmt.Sprintf("[%d, %d)", newFirst, newLast+1),
		}).Debug("moved window")
	}
	e.first, e.pages, e.dirty = newFirst, pages, dirty
	return nil
}

// trim removes excess pages from the left and right margins around the
// requested range, always taking from the wider one. Ties drop on the left.
func (w *window) trim(left, right, excess uint64) (uint64, uint64) {
	if left >= right {
		d := min(excess, left-right)
		left, excess = left-d, excess-d
	} else {
		d := min(excess, right-left)
		right, excess = right-d, excess-d
	}
	return left - (excess+1)/2, right - excess/2
}

// pageLength is the number of bytes of page p inside the stream.
func (e *SelfEncryptor) pageLength(p uint64) int {
	start := p * e.pageSize
	if start >= e.size {
		return 0
	}
	return int(min(e.pageSize, e.size-start))
}

// spill encrypts a page and writes it to the store.
func (e *SelfEncryptor) spill(ctx context.Context, p uint64, page []byte) error {
	length := e.pageLength(p)
	if length == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "selfencryption.spill")
	defer span.End()

	plaintext := page[:length]
	pre := digest.Sum(plaintext)
	ciphertext, err := encryption.Encrypt(plaintext, e.secret, pre)
	if err != nil {
		return err
	}
	name := digest.Sum(ciphertext)
	if err := e.store.Put(ctx, name, ciphertext); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to spill page %d: %w", p, err)
	}

	e.spilled[p] = spillRecord{name: name, pre: pre, length: length}
	e.dropScratch(p)
	e.log.WithFields(logrus.Fields{
		"page":  p,
		"chunk": name.Short(),
	}).Debug("spilled page")
	return nil
}

// loadPage returns the content of a non-resident page: from its spill record,
// from the base data map, or zeros.
func (e *SelfEncryptor) loadPage(ctx context.Context, p uint64) ([]byte, error) {
	page := make([]byte, e.pageSize)

	if rec, ok := e.spilled[p]; ok {
		ciphertext, err := fetchChunk(ctx, e.store, rec.name)
		if err != nil {
			return nil, err
		}
		plaintext, err := encryption.Decrypt(ciphertext, e.secret, rec.pre, rec.length)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt spilled page %d: %w", p, err)
		}
		if got := digest.Sum(plaintext); got != rec.pre {
			return nil, &IntegrityError{Name: rec.name, Expected: rec.pre, Got: got, What: "plaintext"}
		}
		copy(page, plaintext)
		return page, nil
	}

	start := p * e.pageSize
	if e.base != nil && start < e.base.Len() {
		n := min(e.pageSize, e.base.Len()-start)
		if err := e.readBase(ctx, page[:n], start); err != nil {
			return nil, err
		}
	}
	return page, nil
}

// readBase fills dst with base content starting at off.
func (e *SelfEncryptor) readBase(ctx context.Context, dst []byte, off uint64) error {
	if e.baseOffsets == nil {
		copy(dst, e.base.Content[off:])
		return nil
	}

	for i := chunkAt(e.baseOffsets, off); len(dst) > 0; i++ {
		chunk, err := e.baseChunk(ctx, i)
		if err != nil {
			return err
		}
		n := copy(dst, chunk[off-e.baseOffsets[i]:])
		dst = dst[n:]
		off += uint64(n)
	}
	return nil
}

func (e *SelfEncryptor) baseChunk(ctx context.Context, i int) ([]byte, error) {
	if e.baseCache.index == i {
		return e.baseCache.data, nil
	}
	data, err := decryptChunk(ctx, e.store, e.base, i)
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"chunk": i,
		"name":  e.base.Chunks[i].PostHash.Short(),
	}).Debug("fetched chunk")
	e.baseCache = cachedChunk{index: i, data: data}
	return data, nil
}

// materialize returns a copy of [off, off+length) without changing the
// window. Non-resident pages are loaded into scratch space.
func (e *SelfEncryptor) materialize(ctx context.Context, off, length uint64) ([]byte, error) {
	out := make([]byte, length)
	for dst := out; len(dst) > 0; {
		p := off / e.pageSize
		page := e.page(p)
		if page == nil {
			if e.scratch.index != int(p) {
				loaded, err := e.loadPage(ctx, p)
				if err != nil {
					return nil, err
				}
				e.scratch = cachedChunk{index: int(p), data: loaded}
			}
			page = e.scratch.data
		}
		n := copy(dst, page[off%e.pageSize:])
		dst = dst[n:]
		off += uint64(n)
	}
	return out, nil
}
