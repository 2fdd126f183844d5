package main

import (
	"fmt"
	"os"
	"time"
)

func main() {
	fmt.Println("Hello, Debugger!")

	if len(os.Args) > 1 {
		fmt.Println("Arguments:", os.Args[1:])
	}

	result := add(5, 7)
	fmt.Printf("5 + 7 = %d\n", result)

	// keep the debuggee alive until the test terminates it
	time.Sleep(time.Hour)
}

func add(a, b int) int {
	sum := a + b
	return sum
}
