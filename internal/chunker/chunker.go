// Package chunker splits a source document into bounded-token chunks
// ready for parallel translation. The document is streamed from the
// object store; it is never held in memory as a whole.
package chunker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/oukeidos/folio/internal/apperrors"
	"github.com/oukeidos/folio/internal/job"
	"github.com/oukeidos/folio/internal/logger"
	"github.com/oukeidos/folio/internal/storage"
)

// Config holds the chunking tunables.
type Config struct {
	// TargetTokens is the chunk size the window aims for.
	TargetTokens int
	// OverlapTokens is the context tail carried into the next chunk.
	OverlapTokens int
	// BoundarySlack is the fraction around TargetTokens within which a
	// paragraph boundary is preferred over a mid-paragraph cut.
	BoundarySlack float64
}

// Defaults per the pipeline configuration.
const (
	DefaultTargetTokens  = 3500
	DefaultOverlapTokens = 250
	DefaultBoundarySlack = 0.10
)

// Result summarizes a completed chunking run.
type Result struct {
	TotalChunks int
	TotalTokens int
	Chunks      []job.Chunk
}

// TokenCounter is the slice of the token counter the chunker needs.
// *tokens.Counter satisfies it; tests substitute a deterministic fake.
type TokenCounter interface {
	Count(text string) int
	Tail(text string, maxTokens int) string
	Head(text string, maxTokens int) string
}

// Chunker reads a job's validated document and emits chunk sources
// plus descriptors. Chunking is deterministic: the same source and
// config always produce the same chunks.
type Chunker struct {
	counter TokenCounter
	store   storage.Store
	cfg     Config
}

func New(counter TokenCounter, store storage.Store, cfg Config) (*Chunker, error) {
	if cfg.TargetTokens <= 0 {
		cfg.TargetTokens = DefaultTargetTokens
	}
	if cfg.OverlapTokens < 0 {
		return nil, fmt.Errorf("overlapTokens must be 0 or greater, got %d", cfg.OverlapTokens)
	}
	if cfg.OverlapTokens == 0 {
		cfg.OverlapTokens = DefaultOverlapTokens
	}
	if cfg.OverlapTokens >= cfg.TargetTokens {
		return nil, fmt.Errorf("overlapTokens (%d) must be smaller than targetTokens (%d)", cfg.OverlapTokens, cfg.TargetTokens)
	}
	if cfg.BoundarySlack <= 0 || cfg.BoundarySlack >= 1 {
		cfg.BoundarySlack = DefaultBoundarySlack
	}
	return &Chunker{counter: counter, store: store, cfg: cfg}, nil
}

// Chunk streams documents/{jobID}, produces chunks/{jobID}/{index}
// objects, and returns the descriptors. Any failure is a job-level
// chunking error; partially written chunk objects are the caller's to
// garbage-collect.
func (c *Chunker) Chunk(ctx context.Context, jobID string) (*Result, error) {
	stream, err := c.store.GetStream(ctx, storage.DocumentKey(jobID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.Chunking(fmt.Errorf("source document missing for job %s", jobID))
		}
		return nil, apperrors.Chunking(fmt.Errorf("failed to open source: %w", err))
	}
	defer stream.Close()

	var (
		result    Result
		buf       strings.Builder
		bufTokens int
		bufStart  int64
		prevText  string
	)

	closeChunk := func(text string, count int, start, end int64) error {
		idx := result.TotalChunks
		desc := job.Chunk{
			JobID:         jobID,
			Index:         idx,
			InputTokens:   count,
			ByteStart:     start,
			ByteEnd:       end,
			SourceKey:     storage.ChunkKey(jobID, idx),
			TranslatedKey: storage.TranslatedKey(jobID, idx),
		}
		if idx > 0 {
			desc.PreviousSummary = c.counter.Tail(prevText, c.cfg.OverlapTokens)
		}
		if err := c.store.Put(ctx, desc.SourceKey, []byte(text)); err != nil {
			return apperrors.Chunking(fmt.Errorf("failed to store chunk %d: %w", idx, err))
		}
		result.Chunks = append(result.Chunks, desc)
		result.TotalChunks++
		result.TotalTokens += count
		prevText = text
		return nil
	}

	maxTokens := c.cfg.TargetTokens + int(float64(c.cfg.TargetTokens)*c.cfg.BoundarySlack)
	minClose := c.cfg.TargetTokens - int(float64(c.cfg.TargetTokens)*c.cfg.BoundarySlack)
	// A slack-band close must still leave at least target-overlap net
	// tokens in the chunk, so the tail carried forward never dominates.
	if floor := c.cfg.TargetTokens - c.cfg.OverlapTokens; minClose < floor {
		minClose = floor
	}

	paras := newParagraphScanner(stream)
	for {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Chunking(err)
		}
		para, err := paras.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrors.Chunking(err)
		}

		paraTokens := c.counter.Count(para.text)

		// A single paragraph larger than the window is cut at token
		// boundaries; tokens themselves are never split.
		if paraTokens > maxTokens {
			if bufTokens > 0 {
				if err := closeChunk(buf.String(), bufTokens, bufStart, para.start); err != nil {
					return nil, err
				}
				buf.Reset()
				bufTokens = 0
			}
			if err := c.splitOversized(ctx, para, closeChunk); err != nil {
				return nil, err
			}
			bufStart = para.end
			continue
		}

		// Close at the paragraph boundary when appending would blow the
		// window, or when the buffer already sits inside the slack band.
		if bufTokens > 0 && (bufTokens+paraTokens > maxTokens || bufTokens >= minClose) {
			if err := closeChunk(buf.String(), bufTokens, bufStart, para.start); err != nil {
				return nil, err
			}
			buf.Reset()
			bufTokens = 0
		}
		if buf.Len() == 0 {
			bufStart = para.start
		}
		buf.WriteString(para.text)
		// Recount the buffer instead of summing: BPE merges at the
		// seam make per-paragraph sums drift by up to the splice bound.
		bufTokens = c.counter.Count(buf.String())
	}

	if bufTokens > 0 {
		if err := closeChunk(buf.String(), bufTokens, bufStart, paras.offset); err != nil {
			return nil, err
		}
	}

	if result.TotalChunks == 0 {
		return nil, apperrors.Chunking(errors.New("empty source: document contains no translatable text"))
	}
	return &result, nil
}

// splitOversized cuts one paragraph into window-sized pieces at token
// boundaries. Byte offsets within the paragraph are tracked by the
// decoded piece lengths.
func (c *Chunker) splitOversized(ctx context.Context, para paragraph, closeChunk func(string, int, int64, int64) error) error {
	logger.Warn("Paragraph exceeds chunk window; cutting at token boundaries",
		"paragraph_size", c.counter.Count(para.text), "target", c.cfg.TargetTokens)
	rest := para.text
	offset := para.start
	for rest != "" {
		if err := ctx.Err(); err != nil {
			return apperrors.Chunking(err)
		}
		piece := c.counter.Head(rest, c.cfg.TargetTokens)
		if piece == "" {
			piece = rest
		}
		// Fold a whitespace-only remainder into the last piece instead
		// of emitting a zero-token chunk for it.
		if c.counter.Count(rest[len(piece):]) == 0 {
			piece = rest
		}
		count := c.counter.Count(piece)
		end := offset + int64(len(piece))
		if err := closeChunk(piece, count, offset, end); err != nil {
			return err
		}
		offset = end
		rest = rest[len(piece):]
	}
	return nil
}

// paragraph is a run of text ending at a blank-line boundary, with its
// byte range in the source (after BOM stripping).
type paragraph struct {
	text  string
	start int64
	end   int64
}

// paragraphScanner streams paragraphs from a reader, validating UTF-8
// and stripping a leading byte-order mark.
type paragraphScanner struct {
	r      *bufio.Reader
	offset int64
	first  bool
	done   bool
}

func newParagraphScanner(r io.Reader) *paragraphScanner {
	return &paragraphScanner{r: bufio.NewReader(r), first: true}
}

// Next returns the next paragraph, io.EOF at the end of input, or an
// error on invalid UTF-8.
func (s *paragraphScanner) Next() (paragraph, error) {
	if s.done {
		return paragraph{}, io.EOF
	}

	var (
		text  strings.Builder
		start = s.offset
		blank = true
	)
	for {
		line, err := s.r.ReadString('\n')
		if line != "" {
			if s.first {
				line = strings.TrimPrefix(line, "\uFEFF")
				s.first = false
			}
			if !utf8.ValidString(line) {
				return paragraph{}, fmt.Errorf("invalid UTF-8 sequence at byte offset %d", s.offset)
			}
			if strings.TrimSpace(line) != "" {
				blank = false
			}
			text.WriteString(line)
			s.offset += int64(len(line))

			// A blank line after content closes the paragraph.
			if !blank && strings.TrimSpace(line) == "" {
				return paragraph{text: text.String(), start: start, end: s.offset}, nil
			}
		}
		if err == io.EOF {
			s.done = true
			if blank {
				return paragraph{}, io.EOF
			}
			return paragraph{text: text.String(), start: start, end: s.offset}, nil
		}
		if err != nil {
			return paragraph{}, fmt.Errorf("failed to read source: %w", err)
		}
	}
}
