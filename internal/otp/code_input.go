package otp

import "strings"

// CodeInput is the fixed-length digit field group the passcode is typed into
type CodeInput struct {
	digits []string
	focus  int
}

func NewCodeInput(length int) *CodeInput {
	if length <= 0 {
		length = 6
	}
	return &CodeInput{digits: make([]string, length)}
}

func (c *CodeInput) Len() int {
	return len(c.digits)
}

func (c *CodeInput) Focus() int {
	return c.focus
}

// Type writes v into field i. Only "" or a single digit is accepted.
func (c *CodeInput) Type(i int, v string) bool {
	if !c.inBounds(i) {
		return false
	}
	if v != "" && (len(v) != 1 || v[0] < '0' || v[0] > '9') {
		return false
	}

	c.digits[i] = v
	c.focus = i
	if v != "" && i < len(c.digits)-1 {
		c.focus = i + 1
	}
	return true
}

// Backspace clears field i, or the previous field when i is already empty
func (c *CodeInput) Backspace(i int) bool {
	if !c.inBounds(i) {
		return false
	}
	if c.digits[i] == "" {
		if i == 0 {
			c.focus = 0
			return false
		}
		c.digits[i-1] = ""
		c.focus = i - 1
		return true
	}
	c.digits[i] = ""
	c.focus = i
	return true
}

func (c *CodeInput) MoveLeft(i int) {
	if c.inBounds(i) && i > 0 {
		c.focus = i - 1
	}
}

func (c *CodeInput) MoveRight(i int) {
	if c.inBounds(i) && i < len(c.digits)-1 {
		c.focus = i + 1
	}
}

// Paste distributes the digits of text across the fields. Only the first field
// accepts a paste, and text without digits leaves the fields untouched.
func (c *CodeInput) Paste(i int, text string) bool {
	if i != 0 {
		return false
	}

	var b strings.Builder
	for _, r := range text {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	pasted := b.String()
	if pasted == "" {
		return false
	}
	if len(pasted) > len(c.digits) {
		pasted = pasted[:len(c.digits)]
	}

	for j := range c.digits {
		if j < len(pasted) {
			c.digits[j] = pasted[j : j+1]
		} else {
			c.digits[j] = ""
		}
	}

	c.focus = len(pasted)
	if c.focus > len(c.digits)-1 {
		c.focus = len(c.digits) - 1
	}
	return true
}

// Enter reports whether the code may be submitted
func (c *CodeInput) Enter() bool {
	return c.Complete()
}

func (c *CodeInput) Reset() {
	for i := range c.digits {
		c.digits[i] = ""
	}
	c.focus = 0
}

func (c *CodeInput) Complete() bool {
	for _, d := range c.digits {
		if d == "" {
			return false
		}
	}
	return true
}

func (c *CodeInput) Code() string {
	return strings.Join(c.digits, "")
}

// Digits returns a copy of the field values
func (c *CodeInput) Digits() []string {
	out := make([]string, len(c.digits))
	copy(out, c.digits)
	return out
}

func (c *CodeInput) inBounds(i int) bool {
	return i >= 0 && i < len(c.digits)
}
