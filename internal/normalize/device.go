package normalize

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tejusbharadwaj/solarflux/internal/models"
)

const (
	defaultResolverSize = 1024
	WeatherDeviceID     = "weather"
)

var nonIdent = regexp.MustCompile(`[^a-z0-9]+`)

// DeviceResolver assigns stable device ids. Once resolved, a device keeps
// its id for the lifetime of the resolver.
type DeviceResolver struct {
	cache *lru.Cache
}

func NewDeviceResolver(size int) *DeviceResolver {
	if size <= 0 {
		size = defaultResolverSize
	}
	cache, err := lru.New(size)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &DeviceResolver{cache: cache}
}

// Resolve returns the id of the device that produced p. The reported id
// wins, then one derived from the serial number, then from the model; a
// weather station without any of those is the site's single weather device.
func (r *DeviceResolver) Resolve(p models.RawDataPoint) string {
	key := p.Source + "|" + p.DeviceType + "|" + p.DeviceID + "|" + p.Serial + "|" + p.Model
	if id, ok := r.cache.Get(key); ok {
		return id.(string)
	}
	id := derive(p)
	r.cache.Add(key, id)
	return id
}

func derive(p models.RawDataPoint) string {
	if id := strings.TrimSpace(p.DeviceID); id != "" {
		return id
	}
	if serial := strings.TrimSpace(p.Serial); serial != "" {
		// the suffix after the dash is a checksum
		if i := strings.IndexByte(serial, '-'); i > 0 {
			serial = serial[:i]
		}
		return strings.ToUpper(serial)
	}
	if model := ident(p.Model); model != "" {
		return model
	}
	if strings.EqualFold(p.DeviceType, "weather") {
		return WeatherDeviceID
	}
	if t := ident(p.DeviceType); t != "" {
		return t
	}
	return "unknown"
}

func ident(s string) string {
	return strings.Trim(nonIdent.ReplaceAllString(strings.ToLower(s), "_"), "_")
}
