package locator

import (
	"os"
	"regexp"

	"wxannual/internal/plist"
	"wxannual/internal/wx"
)

// DefaultDisplayName is used when the account's profile cannot be read.
const DefaultDisplayName = "WeChat user"

const preferencesPath = "Library/Preferences/com.tencent.xin.plist"

var (
	settingsPattern  = regexp.MustCompile(`^Documents/MMappedKV/mmsetting\.archive\.([0-9A-Za-z_\-]{6,20})$`)
	nicknamePattern  = regexp.MustCompile(`88[\x00-\x2f]{2}(.*?)\x01`)
	headImagePattern = regexp.MustCompile(`https?://[^/\s]+/[^/\s]+/(?:[^/\s]+/)?[^/\s]+/\d+`)
	profileHeadImage = regexp.MustCompile(`headimgurl`)
)

// identityHints are the settings archives seen while scanning; each one
// names a login id.
type identityHints struct {
	settings map[string]*wx.ManifestEntry // wxid -> settings archive
}

func (h *identityHints) observe(e *wx.ManifestEntry) {
	if !e.IsFile() {
		return
	}
	if m := settingsPattern.FindStringSubmatch(e.RelativePath); m != nil {
		if h.settings == nil {
			h.settings = make(map[string]*wx.ManifestEntry)
		}
		h.settings[m[1]] = e
	}
}

// resolveIDs maps namespace hashes to login ids. Settings archives name
// the id directly; the preference list is searched for any string whose
// hash names a namespace.
func (l *Locator) resolveIDs(namespaces map[string]*namespace, hints *identityHints) map[string]string {
	ids := make(map[string]string)
	for wxid := range hints.settings {
		if h := HashName(wxid); namespaces[h] != nil {
			ids[h] = wxid
		}
	}
	if len(ids) == len(namespaces) {
		return ids
	}

	e, err := l.index.Lookup(Domain, preferencesPath)
	if err != nil {
		l.logger.Warn("looking up preferences failed", "error", err)
		return ids
	}
	if e == nil {
		return ids
	}
	rf := l.index.Resolve(e)
	data, err := os.ReadFile(rf.PhysicalPath)
	if err != nil {
		l.logger.Warn("reading preferences failed", "path", rf.RelativePath, "error", err)
		return ids
	}
	v, _, err := plist.Decode(data)
	if err != nil {
		l.logger.Warn("decoding preferences failed", "path", rf.RelativePath, "error", err)
		return ids
	}
	for _, s := range v.Strings() {
		h := HashName(s)
		if namespaces[h] != nil && ids[h] == "" {
			ids[h] = s
		}
	}
	return ids
}

// readProfile scrapes the display name and head image from the account's
// settings archive. Failures keep the defaults.
func (l *Locator) readProfile(acct *wx.Account, rf wx.ResolvedFile) {
	data, err := os.ReadFile(rf.PhysicalPath)
	if err != nil {
		l.logger.Warn("reading account settings failed, using defaults", "account", acct.ID, "error", err)
		return
	}
	name, image := ParseProfile(data)
	if name != "" {
		acct.DisplayName = name
	}
	acct.HeadImageURL = image
}

// ParseProfile extracts the display name and head image URL from a
// settings archive. Either result may be empty.
func ParseProfile(data []byte) (name, headImage string) {
	if m := nicknamePattern.FindSubmatch(data); m != nil {
		name = string(m[1])
	}
	if loc := profileHeadImage.FindIndex(data); loc != nil {
		headImage = string(headImagePattern.Find(data[loc[1]:]))
	}
	return name, headImage
}
