package sample

func f(x int) int {
	a := 2
	b := 3

	if a < b {
		return x + a*b
	}

	return 0
}

func g(x int) int {
	y := x

	if 1 > 2 {
		y = 5
	}

	return y
}
