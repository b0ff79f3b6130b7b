package gate

import (
	"regexp"
	"strings"
)

// maxApprovedEmotes caps how many allow-list entries are honored.
const maxApprovedEmotes = 24

var tokenRe = regexp.MustCompile(`\b[A-Za-z0-9_]{3,32}\b`)

// globalEmotes are Twitch global emotes. PascalCase words are treated as
// proper nouns unless they appear here or the allow-list uses PascalCase names.
var globalEmotes = map[string]bool{
	"4Head": true, "BabyRage": true, "BibleThump": true, "BloodTrail": true, "BrokeBack": true,
	"CoolCat": true, "CoolStoryBob": true, "CorgiDerp": true, "DansGame": true, "DatSheffy": true,
	"DoritosChip": true, "EleGiggle": true, "FailFish": true, "FrankerZ": true, "GivePLZ": true,
	"HeyGuys": true, "HotPokket": true, "Jebaited": true, "Kappa": true, "KappaPride": true,
	"Keepo": true, "Kreygasm": true, "LUL": true, "MingLee": true, "MrDestructoid": true,
	"NotLikeThis": true, "OhMyDog": true, "OSFrog": true, "PJSalt": true, "PogBones": true,
	"PogChamp": true, "PopCorn": true, "ResidentSleeper": true, "SeemsGood": true, "SMOrc": true,
	"SwiftRage": true, "TakeNRG": true, "TheIlluminati": true, "TriHard": true, "VoHiYo": true,
	"WutFace": true,
}

func isLowerOrDigit(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') }

func isUpper(c byte) bool { return c >= 'A' && c <= 'Z' }

// hasInnerCapital reports a lowercase or digit followed by an uppercase letter.
func hasInnerCapital(token string) bool {
	for i := 1; i < len(token); i++ {
		if isUpper(token[i]) && isLowerOrDigit(token[i-1]) {
			return true
		}
	}
	return false
}

// isPascalCase matches RoonieWave but not Thanks or LUL.
func isPascalCase(token string) bool {
	return token != "" && isUpper(token[0]) && hasInnerCapital(token)
}

// looksLikeEmote reports whether token has the shape of a Twitch emote code.
// With pascal set, PascalCase tokens count too.
func looksLikeEmote(token string, pascal bool) bool {
	if token == "" {
		return false
	}
	if globalEmotes[token] || strings.Contains(token, "_") {
		return true
	}
	if pascal && isPascalCase(token) {
		return true
	}
	// Channel emotes are a lowercase prefix followed by a capitalized suffix (ruleof6Nope).
	return isLowerOrDigit(token[0]) && hasInnerCapital(token)
}

// allowList builds the set of approved emote names. Entries may be written as
// "name (description)"; only the name is kept.
func allowList(emotes []Emote) map[string]bool {
	out := map[string]bool{}
	for i, e := range emotes {
		if i >= maxApprovedEmotes {
			break
		}
		if e.Denied {
			continue
		}
		name := strings.TrimSpace(e.Name)
		if idx := strings.IndexAny(name, " \t("); idx >= 0 {
			name = name[:idx]
		}
		if name != "" {
			out[name] = true
		}
	}
	return out
}

// DisallowedEmote returns the first emote-shaped token in text that is not
// approved, or "". Mentions and tokens the viewer typed themselves are exempt.
// Nothing is checked when approved is empty.
func DisallowedEmote(text, trigger string, approved []Emote) string {
	allowed := allowList(approved)
	if len(allowed) == 0 {
		return ""
	}
	pascal := false
	for name := range allowed {
		if isPascalCase(name) {
			pascal = true
			break
		}
	}
	echoed := map[string]bool{}
	for _, tok := range tokenRe.FindAllString(trigger, -1) {
		echoed[tok] = true
	}
	for _, loc := range tokenRe.FindAllStringIndex(text, -1) {
		tok := text[loc[0]:loc[1]]
		if loc[0] > 0 && text[loc[0]-1] == '@' {
			continue
		}
		if allowed[tok] || echoed[tok] {
			continue
		}
		if looksLikeEmote(tok, pascal) {
			return tok
		}
	}
	return ""
}
