package malloc

import "fmt"

func Example() {
	a, _ := NewAllocator(&Option{
		BlockSize:     DefaultBlockSize,
		MaxPooledSize: DefaultMaxPooledSize,
		Source:        NewHeapSource(),
	})
	c := a.NewCache()

	p1 := c.Allocate(24)
	c.Deallocate(24, p1)
	p2 := c.Allocate(24) // most recently freed slice first
	fmt.Println("reused:", p1 == p2)

	c.Deallocate(24, p2)
	c.Close()

	st := a.Stats()
	fmt.Printf("blocks=%d carved=%d global=%d\n", st.Blocks, st.CarvedBytes, st.GlobalBytes)
	a.Cleanup()

	// Output:
	// reused: true
	// blocks=1 carved=8184 global=8184
}
