package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hitushen/nettrace/internal/models"
)

const ipAPIFields = "status,message,lat,lon,city,isp,org,as,query,countryCode"

// IPAPI 通过 ip-api.com 的 JSON 接口查询地理位置。
type IPAPI struct {
	client   *resty.Client
	endpoint string
}

type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	City        string  `json:"city"`
	ISP         string  `json:"isp"`
	Org         string  `json:"org"`
	AS          string  `json:"as"`
	Query       string  `json:"query"`
	CountryCode string  `json:"countryCode"`
}

// NewIPAPI 创建查询客户端，endpoint 形如 http://ip-api.com/json。
func NewIPAPI(endpoint string, timeout time.Duration) *IPAPI {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &IPAPI{
		client:   client,
		endpoint: strings.TrimRight(endpoint, "/"),
	}
}

// Locate 实现 Locator。
func (a *IPAPI) Locate(ctx context.Context, ip string) (*models.GeoLocation, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("fields", ipAPIFields).
		Get(a.endpoint + "/" + url.PathEscape(ip))
	if err != nil {
		return nil, fmt.Errorf("ip-api request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("ip-api status %d", resp.StatusCode())
	}

	var body ipAPIResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("ip-api decode: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("ip-api status %q: %s", body.Status, body.Message)
	}

	return &models.GeoLocation{
		Lat:     body.Lat,
		Lon:     body.Lon,
		City:    body.City,
		ISP:     body.ISP,
		Org:     body.Org,
		ASN:     body.AS,
		Country: body.CountryCode,
	}, nil
}
