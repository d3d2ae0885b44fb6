package order

import "fmt"

var (
	sideByName = map[string]Side{"buy": SideBuy, "sell": SideSell}
	typeByName = map[string]Type{"market": TypeMarket, "limit": TypeLimit, "stop": TypeStop, "stop_limit": TypeStopLimit}
	tifByName  = map[string]TimeInForce{"day": TIFDay, "gtc": TIFGTC, "ioc": TIFIOC, "fok": TIFFOK, "gtd": TIFGTD}
)

// parseCode 接受名称或单字符场所编码。
func parseCode[T ~byte](kind string, names map[string]T, data []byte) (T, error) {
	s := string(data)
	if s == "" {
		return 0, nil
	}
	if v, ok := names[s]; ok {
		return v, nil
	}
	if len(s) == 1 {
		return T(s[0]), nil
	}
	return 0, fmt.Errorf("order: 未知%s %q", kind, s)
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(data []byte) error {
	v, err := parseCode("方向", sideByName, data)
	*s = v
	return err
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(data []byte) error {
	v, err := parseCode("订单类型", typeByName, data)
	*t = v
	return err
}

func (t TimeInForce) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeInForce) UnmarshalText(data []byte) error {
	v, err := parseCode("有效期", tifByName, data)
	*t = v
	return err
}

// ParseStatus 按状态名解析。
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("order: 未知状态 %q", name)
}

func (s *Status) UnmarshalText(data []byte) error {
	v, err := ParseStatus(string(data))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
