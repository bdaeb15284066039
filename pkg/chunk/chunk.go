// Package chunk 提供定长分片的切分与按序拼接，不做任何 I/O。
package chunk

import (
	"io"
)

// Range 描述一个分片在原始载荷中的字节区间 [Offset, Offset+Length)。
type Range struct {
	Index  int
	Offset int64
	Length int64
}

// End 返回区间的结束偏移（不含）。
func (r Range) End() int64 {
	return r.Offset + r.Length
}

// Count 返回 totalSize 按 chunkSize 切分后的分片数，即 ceil(totalSize/chunkSize)。
// totalSize 为 0 时返回 0，调用方应将其视为非法输入。
func Count(totalSize, chunkSize int64) int {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}
	n := totalSize / chunkSize
	if totalSize%chunkSize != 0 {
		n++
	}
	return int(n)
}

// Ranges 计算 totalSize 字节的载荷按 chunkSize 切分后的所有分片区间。
// 除最后一个外每个分片恰好 chunkSize 字节。
func Ranges(totalSize, chunkSize int64) []Range {
	n := Count(totalSize, chunkSize)
	ranges := make([]Range, 0, n)
	for i := 0; i < n; i++ {
		offset := int64(i) * chunkSize
		length := chunkSize
		if offset+length > totalSize {
			length = totalSize - offset
		}
		ranges = append(ranges, Range{Index: i, Offset: offset, Length: length})
	}
	return ranges
}

// Split 将 payload 切分为有序分片，返回的切片与 payload 共享底层内存。
func Split(payload []byte, chunkSize int) [][]byte {
	ranges := Ranges(int64(len(payload)), int64(chunkSize))
	chunks := make([][]byte, 0, len(ranges))
	for _, r := range ranges {
		chunks = append(chunks, payload[r.Offset:r.End():r.End()])
	}
	return chunks
}

// Join 按下标顺序拼接分片，是 Split 的逆操作。
func Join(chunks [][]byte) []byte {
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// OpenFunc 打开第 index 个分片的数据流。
type OpenFunc func(index int) (io.ReadCloser, error)

// sequentialReader 依次打开并读取 [0,count) 的分片，读完一个立即关闭。
type sequentialReader struct {
	open    OpenFunc
	count   int
	next    int
	current io.ReadCloser
}

// NewSequentialReader 返回一个按下标顺序流式拼接分片的 io.ReadCloser，
// 任意时刻最多只持有一个打开的分片。
func NewSequentialReader(count int, open OpenFunc) io.ReadCloser {
	return &sequentialReader{open: open, count: count}
}

func (r *sequentialReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.next >= r.count {
				return 0, io.EOF
			}
			rc, err := r.open(r.next)
			if err != nil {
				return 0, err
			}
			r.current = rc
			r.next++
		}
		n, err := r.current.Read(p)
		if err == io.EOF {
			closeErr := r.current.Close()
			r.current = nil
			if closeErr != nil {
				return n, closeErr
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *sequentialReader) Close() error {
	if r.current == nil {
		return nil
	}
	err := r.current.Close()
	r.current = nil
	r.next = r.count
	return err
}
