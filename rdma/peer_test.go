package rdma

import "testing"

func TestShareCQWithValidate(t *testing.T) {
	cases := []struct {
		name    string
		s       ShareCQWith
		n       int
		wantErr bool
	}{
		{"nil is always fine", nil, 4, false},
		{"wrong length", ShareCQWith{-1, -1}, 3, true},
		{"all own", ShareCQWith{-1, -1, -1}, 3, false},
		{"self reference", ShareCQWith{-1, 1, -1}, 3, false},
		{"valid lower index chain", ShareCQWith{-1, 0, 0}, 3, false},
		{"forward reference rejected", ShareCQWith{-1, 2, 0}, 3, true},
		{"negative other than -1 rejected", ShareCQWith{-1, -2, 0}, 3, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.s.validate(c.n)
			if (err != nil) != c.wantErr {
				t.Errorf("validate(%v, %d) error = %v, wantErr %v", c.s, c.n, err, c.wantErr)
			}
		})
	}
}
