package pool

// 캡처 한 개를 디코딩하면 작은 페이로드가 수천 개 만들어진다.
// 프레임마다 새로 할당하는 대신 미리 잡아둔 큰 버퍼를 잘라서 나눠준다.
// 한번 나눠준 조각은 다시 쓰지 않는다. 버퍼가 차면 새 버퍼로 교체한다.
type Pool struct {
	pos int    // 현재 버퍼에서 사용된 위치(오프셋).
	buf []byte // 미리 할당된 고정 크기의 바이트 배열
}

// 메모리 풀 최대크기. 500 kb
const maxpoolsize = 500 * 1024

// size 만큼의 조각을 버퍼에서 잘라 돌려준다.
func (pool *Pool) Get(size int) []byte {
	if size > maxpoolsize/4 { // 큰 페이로드는 풀을 거치지 않는다.
		return make([]byte, size)
	}
	if maxpoolsize-pool.pos < size { // 남은 공간이 부족하면
		pool.pos = 0 // 새 버퍼를 잡고 처음부터 다시 자른다.
		pool.buf = make([]byte, maxpoolsize)
	}
	// cap 을 size 로 제한해 append 가 옆 조각을 덮어쓰지 못하게 한다.
	b := pool.buf[pool.pos : pool.pos+size : pool.pos+size]
	pool.pos += size
	return b
}

func NewPool() *Pool {
	return &Pool{
		buf: make([]byte, maxpoolsize),
	}
}
