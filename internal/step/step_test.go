package step

import "testing"

func TestFingerprintIsDeterministic(t *testing.T) {
	s := UIStep{Action: "click", Target: "login_button", Platform: PlatformAndroid, DeviceID: "A123"}
	if Fingerprint(s) != Fingerprint(s.Clone()) {
		t.Fatalf("fingerprint should be stable across clones")
	}
	// 描述和参数不参与指纹计算。
	other := s.Clone()
	other.Description = "点击登录"
	other.Parameters = map[string]any{"k": "v"}
	if Fingerprint(s) != Fingerprint(other) {
		t.Fatalf("description or parameters changed the fingerprint")
	}
}

func TestFingerprintDoesNotCollide(t *testing.T) {
	cases := []UIStep{
		{Action: "click", Target: "a|b", Platform: PlatformWeb},
		{Action: "click|a", Target: "b", Platform: PlatformWeb},
		{Action: "click", Target: "c:1,2", Platform: PlatformWeb},
		{Action: "click", Coordinates: &Point{X: 1, Y: 2}, Platform: PlatformWeb},
		{Action: "click", Target: "", Platform: PlatformWeb},
		{Action: "click", Target: "x", Platform: PlatformWeb, DeviceID: "default"},
		{Action: "click", Target: "x", Platform: PlatformWeb},
		{ToolName: "weather", Platform: PlatformWeb},
		{Action: "click", Target: "tool:weather", Platform: PlatformWeb},
	}
	seen := make(map[string]int)
	for idx, c := range cases {
		fp := Fingerprint(c)
		if prev, ok := seen[fp]; ok {
			t.Fatalf("fingerprint collision between case %d and %d: %s", prev, idx, fp)
		}
		seen[fp] = idx
	}
}

func TestIsToolCall(t *testing.T) {
	if (UIStep{Action: "click", Target: "x"}).IsToolCall() {
		t.Fatalf("ui step reported as tool call")
	}
	if !(UIStep{ToolName: "weather"}).IsToolCall() {
		t.Fatalf("tool step not detected")
	}
}

func TestCloneIsolatesMaps(t *testing.T) {
	s := UIStep{Parameters: map[string]any{"a": 1}, Coordinates: &Point{X: 1}}
	c := s.Clone()
	c.Parameters["a"] = 2
	c.Coordinates.X = 9
	if s.Parameters["a"] != 1 || s.Coordinates.X != 1 {
		t.Fatalf("clone shares state with original: %+v", s)
	}
}

func TestParsePlatform(t *testing.T) {
	if p, ok := ParsePlatform(" Android "); !ok || p != PlatformAndroid {
		t.Fatalf("unexpected parse result: %q %v", p, ok)
	}
	if _, ok := ParsePlatform("symbian"); ok {
		t.Fatalf("unknown platform accepted")
	}
}
