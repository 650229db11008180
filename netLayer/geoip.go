package netLayer

import (
	"net"

	"github.com/dronrider/xr-proxy/utils"
	"github.com/oschwald/maxminddb-golang"
	"go.uber.org/zap"
)

// CountryResolver 查询ip所属的国家. 返回 iso 3166 两字母大写字符串,
// 查不到时返回 "".
type CountryResolver interface {
	Lookup(ip net.IP) string
}

// NoopCountryResolver 在未配置GeoIP数据库时使用, 永远查不到.
type NoopCountryResolver struct{}

func (NoopCountryResolver) Lookup(net.IP) string { return "" }

// MaxmindCountryResolver 从 maxmind mmdb 查国家. 加载后只读, 可并发共享.
type MaxmindCountryResolver struct {
	db *maxminddb.Reader
}

func LoadMaxmindFile(fn string) (*MaxmindCountryResolver, error) {
	db, err := maxminddb.Open(fn)
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "open mmdb failed", ErrDetail: err, Data: fn}
	}
	return &MaxmindCountryResolver{db: db}, nil
}

func (m *MaxmindCountryResolver) Close() error {
	return m.db.Close()
}

// 见 https://dev.maxmind.com/geoip/legacy/codes ，大写，两字节
func (m *MaxmindCountryResolver) Lookup(ip net.IP) string {
	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}

	if err := m.db.Lookup(ip, &record); err != nil {
		if ce := utils.CanLogErr("mmdb lookup err"); ce != nil {
			ce.Write(zap.Error(err))
		}
		return ""
	}
	return record.Country.ISOCode
}
