package page

// Limits bounds page growth. Each dimension carries a soft limit that only
// produces a warning and a hard limit that rejects the offending primitive.
type Limits struct {
	SoftEntities int
	HardEntities int
	SoftFields   int
	HardFields   int
	SoftChildren int
	HardChildren int
	SoftSections int
	HardSections int
	SoftListLen  int
	HardListLen  int
	SoftDepth    int
	HardDepth    int
}

// DefaultLimits returns the stock capacity limits.
func DefaultLimits() Limits {
	return Limits{
		SoftEntities: 200,
		HardEntities: 500,
		SoftFields:   15,
		HardFields:   20,
		SoftChildren: 50,
		HardChildren: 150,
		SoftSections: 4,
		HardSections: 8,
		SoftListLen:  20,
		HardListLen:  50,
		SoftDepth:    2,
		HardDepth:    3,
	}
}
