package catalog

// RL56 is the HALO Home RL56 series smart recessed downlight, the fixture
// family the Avi-on cloud reports as product 162. Dim 0-255, tunable white
// 2700-5000 K.
var RL56 = Product{
	ID:        162,
	Brand:     "HALO Home",
	Model:     "RL56 Series Downlight",
	Dimmable:  true,
	Tunable:   true,
	MinKelvin: 2700,
	MaxKelvin: 5000,
}
