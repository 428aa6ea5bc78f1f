package decomposer

import (
	"regexp"
	"strings"

	"SleepyTesting/internal/step"
)

const platformKeywords = `(?:\b(?:android|iphone|ipad|ios|web|browser)\b|安卓|苹果|网页|浏览器)`

var (
	platformPattern = regexp.MustCompile(`(?i)` + platformKeywords)
	devicePattern   = regexp.MustCompile(`(?i)(` + platformKeywords + `)\s*(?:(?:设备|device|手机|phone)\s*[:：#]?|[:：#])\s*([A-Za-z0-9][A-Za-z0-9_\-]*)`)
)

// Detection 是从任务描述中识别出的平台与设备。
type Detection struct {
	Platforms []step.Platform
	Devices   map[step.Platform][]string
}

// HasPlatform 判断平台是否出现在任务中。
func (d Detection) HasPlatform(p step.Platform) bool {
	for _, candidate := range d.Platforms {
		if candidate == p {
			return true
		}
	}
	return false
}

// HasDevice 判断设备是否属于该平台识别出的设备集合。
func (d Detection) HasDevice(p step.Platform, id string) bool {
	for _, candidate := range d.Devices[p] {
		if candidate == id {
			return true
		}
	}
	return false
}

// List 按首次出现的顺序展开为设备列表，没有设备号的平台以空 ID 表示。
func (d Detection) List() []step.Device {
	out := make([]step.Device, 0, len(d.Platforms))
	for _, p := range d.Platforms {
		ids := d.Devices[p]
		if len(ids) == 0 {
			out = append(out, step.Device{Platform: p})
			continue
		}
		for _, id := range ids {
			out = append(out, step.Device{Platform: p, ID: id})
		}
	}
	return out
}

// DetectDevices 识别任务中提到的平台和设备号。任务未提及任何平台时回退到默认平台。
func DetectDevices(task string, fallback step.Platform) Detection {
	detection := Detection{Devices: make(map[step.Platform][]string)}
	addPlatform := func(p step.Platform) {
		if !detection.HasPlatform(p) {
			detection.Platforms = append(detection.Platforms, p)
		}
	}

	for _, match := range platformPattern.FindAllString(task, -1) {
		if p, ok := platformFromKeyword(match); ok {
			addPlatform(p)
		}
	}
	for _, match := range devicePattern.FindAllStringSubmatch(task, -1) {
		p, ok := platformFromKeyword(match[1])
		if !ok {
			continue
		}
		addPlatform(p)
		id := match[2]
		if !detection.HasDevice(p, id) {
			detection.Devices[p] = append(detection.Devices[p], id)
		}
	}

	if len(detection.Platforms) == 0 && fallback != "" {
		detection.Platforms = append(detection.Platforms, fallback)
	}
	return detection
}

func platformFromKeyword(keyword string) (step.Platform, bool) {
	switch strings.ToLower(keyword) {
	case "android", "安卓":
		return step.PlatformAndroid, true
	case "ios", "iphone", "ipad", "苹果":
		return step.PlatformIOS, true
	case "web", "browser", "网页", "浏览器":
		return step.PlatformWeb, true
	default:
		return "", false
	}
}
