package waveform

// Unknown replaces any enumerated header byte with no known name.
const Unknown = "?"

var platformNames = map[uint8]string{
	0x00: "2.0",
	0x01: "2.1",
	0x02: "2.3",
	0x03: "Vi",
	0x04: "V110",
	0x05: "V110A",
	0x06: "V220",
	0x07: "V250",
	0x08: "V220E",
}

const (
	runTypeBaseline = 0x00
	runTypeTest     = 0x01
)

var runTypeNames = map[uint8]string{
	runTypeBaseline: "B",
	runTypeTest:     "T",
	0x02:            "P",
	0x03:            "Q",
	0x04:            "A",
	0x05:            "C",
	0x06:            "D",
	0x07:            "E",
	0x08:            "F",
	0x09:            "G",
	0x0A:            "H",
	0x0B:            "I",
	0x0C:            "J",
	0x0D:            "K",
	0x0E:            "L",
	0x0F:            "M",
	0x10:            "N",
}

var sizeNames = map[uint8]string{
	0x32: "50",
	0x3C: "60",
	0x3F: "63",
	0x50: "80",
	0x61: "97",
	0x63: "99",
}

var typeNames = map[uint8]string{
	0x00: "WX",
	0x01: "WY",
	0x02: "WP",
	0x03: "WZ",
	0x04: "WQ",
	0x05: "TA",
	0x06: "WU",
	0x07: "TB",
	0x08: "TD",
	0x09: "WV",
	0x0A: "WT",
	0x0B: "TE",
	0x0C: "XA",
	0x0D: "XB",
	0x0E: "WE",
	0x0F: "WD",
	0x10: "XC",
	0x11: "VE",
	0x12: "XD",
	0x13: "XE",
	0x14: "XF",
	0x15: "WJ",
	0x16: "WK",
	0x17: "WL",
	0x18: "VJ",
	0x2B: "WR",
	0x3C: "AA",
	0x4B: "AC",
	0x4C: "BD",
	0x50: "AE",
}

var tuningBiasNames = map[uint8]string{
	0x00: "S",
	0x01: "I",
	0x02: "D",
}

func name(table map[uint8]string, v uint8) string {
	if s, ok := table[v]; ok {
		return s
	}
	return Unknown
}
