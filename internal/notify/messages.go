package notify

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Report describes a found pack for the operator.
type Report struct {
	Account  string
	Code     string
	Stars    int // -1 when unknown
	Pack     int // 1-based pack number within the account
	Port     string
	Verified bool
}

// GodPackText formats a rare-outcome report.
func GodPackText(r Report) string {
	stars := "X"
	if r.Stars >= 0 {
		stars = strconv.Itoa(r.Stars)
	}
	return fmt.Sprintf("Found god pack!!\n%s (%s)\n[%s/5][%dP] God pack found in instance: %s\n%s",
		r.Account, r.Code, stars, r.Pack-1, r.Port, validity(r.Verified))
}

// DoubleRareText formats a double-rare report.
func DoubleRareText(r Report) string {
	return fmt.Sprintf("Double two star found\n%s (%s)\n[2x2][%dP] Double two pack found in instance: %s\n%s",
		r.Account, r.Code, r.Pack-1, r.Port, validity(r.Verified))
}

func validity(ok bool) string {
	if ok {
		return "Valid"
	}
	return "Invalid"
}

// HeartbeatText formats the periodic fleet status.
func HeartbeatText(account string, online, offline []string, running time.Duration, packs int64) string {
	list := func(s []string) string {
		if len(s) == 0 {
			return "none"
		}
		return strings.Join(s, ", ")
	}
	return fmt.Sprintf("%s\nOnline: %s.\nOffline: %s.\nTime: %dm Packs: %d\n",
		account, list(online), list(offline), int(math.Round(running.Minutes())), packs)
}
