package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	chesslib "github.com/corentings/chess/v2"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"go.uber.org/zap"
)

const defaultBookMaxPly = 16

// Book plays from a polyglot opening book while the position is covered and
// hands every other position to Engine.
type Book struct {
	book   *chesslib.PolyglotBook
	Engine Opponent
	MaxPly int

	randMu sync.Mutex
	rand   *rand.Rand
}

// LoadBook opens a polyglot .bin file.
func LoadBook(path string, engine Opponent) (*Book, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("polyglot book path required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open polyglot book %q: %w", path, err)
	}
	defer f.Close()
	b, err := NewBook(f, engine)
	if err != nil {
		return nil, fmt.Errorf("load polyglot book %q: %w", path, err)
	}
	return b, nil
}

func NewBook(r io.Reader, engine Opponent) (*Book, error) {
	pb, err := chesslib.LoadFromReader(r)
	if err != nil {
		return nil, err
	}
	return &Book{
		book:   pb,
		Engine: engine,
		MaxPly: defaultBookMaxPly,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (b *Book) SetRandomSeed(seed int64) {
	b.randMu.Lock()
	b.rand = rand.New(rand.NewSource(seed))
	b.randMu.Unlock()
}

func (b *Book) BestMove(ctx context.Context, req Request) (string, error) {
	if mv, ok := b.lookup(req); ok {
		obslog.L().Debug("ai_book_move", zap.String("move", mv), zap.Int("ply", req.Position.Ply))
		return mv, nil
	}
	if b.Engine == nil {
		return "", fmt.Errorf("%w: position not in book", ErrNoMove)
	}
	return b.Engine.BestMove(ctx, req)
}

type bookEntry struct {
	move   string
	weight int
}

// lookup draws a weighted move among the legal book entries, limited to the
// preset's primary choices so stronger levels stay on main lines.
func (b *Book) lookup(req Request) (string, bool) {
	if b.book == nil || (b.MaxPly > 0 && req.Position.Ply >= b.MaxPly) {
		return "", false
	}
	hash, err := chesslib.NewZobristHasher().HashPosition(req.Position.FEN)
	if err != nil {
		return "", false
	}
	legal := legalSet(req.Position)
	var entries []bookEntry
	for _, e := range b.book.FindMoves(chesslib.ZobristHashToUint64(hash)) {
		dm := chesslib.DecodeMove(e.Move).ToMove()
		mv := normalizeBookCastle(dm.String(), legal)
		if _, ok := legal[mv]; ok {
			entries = append(entries, bookEntry{move: mv, weight: int(e.Weight)})
		}
	}
	if len(entries) == 0 {
		return "", false
	}
	if p, err := GetPreset(req.Level); err == nil && p.PrimaryChoices > 0 && len(entries) > p.PrimaryChoices {
		entries = entries[:p.PrimaryChoices]
	}

	total := 0
	for _, e := range entries {
		total += e.weight
	}
	if total <= 0 {
		return entries[0].move, true
	}
	b.randMu.Lock()
	roll := b.rand.Intn(total)
	b.randMu.Unlock()
	for _, e := range entries {
		roll -= e.weight
		if roll < 0 {
			return e.move, true
		}
	}
	return entries[len(entries)-1].move, true
}

// Polyglot encodes castling as king-takes-rook.
var bookCastles = map[string]string{
	"e1h1": "e1g1",
	"e1a1": "e1c1",
	"e8h8": "e8g8",
	"e8a8": "e8c8",
}

func normalizeBookCastle(mv string, legal map[string]struct{}) string {
	if _, ok := legal[mv]; ok {
		return mv
	}
	if alt, ok := bookCastles[mv]; ok {
		return alt
	}
	return mv
}
