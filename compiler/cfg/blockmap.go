package cfg

// BlockMap keeps a value per block of one CFG.
type BlockMap[T any] struct {
	v []T
}

func NewBlockMap[T any](g *CFG) *BlockMap[T] {
	return &BlockMap[T]{v: make([]T, len(g.Blocks))}
}

func (m *BlockMap[T]) Get(b *Block) T { return m.v[b.Index] }

func (m *BlockMap[T]) Put(b *Block, x T) { m.v[b.Index] = x }

func (m *BlockMap[T]) Ptr(b *Block) *T { return &m.v[b.Index] }
