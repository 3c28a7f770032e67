// Package kis implements the broker.Gateway against the Korea Investment &
// Securities OpenAPI (domestic cash equities). Paper and live trading use
// separate endpoints and separate TR IDs; the client never mixes them.
package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Artanis09/mystocks/internal/broker"
	"github.com/Artanis09/mystocks/internal/logger"
)

const (
	mockBaseURL = "https://openapivts.koreainvestment.com:29443"
	realBaseURL = "https://openapi.koreainvestment.com:9443"

	// KOSPIIndexCode is the KIS index code for the KOSPI composite.
	KOSPIIndexCode = "0001"
)

// Params configures a KIS client.
type Params struct {
	Mock      bool
	AppKey    string
	AppSecret string
	AccountNo string // "CANO-ACNT_PRDT_CD"
}

// Client is a synchronous KIS REST client. Safe for use from a single engine
// loop plus manual-override callers; the token cache has its own lock.
type Client struct {
	httpClient *http.Client
	baseURL    string
	appKey     string
	appSecret  string
	cano       string
	acntPrdtCd string
	isMock     bool
	limiter    *rate.Limiter

	tokenMu sync.Mutex
	token   tokenState
}

var _ broker.Gateway = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithTimeout bounds every REST call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRateLimit caps outgoing requests per second (the exchange API throttles
// aggressively on bursts).
func WithRateLimit(perSec float64) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSec), 1) }
}

// WithBaseURL overrides the endpoint (tests point this at a stub server).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func New(p Params, opts ...Option) (*Client, error) {
	cano, prdtCd, ok := strings.Cut(p.AccountNo, "-")
	if !ok {
		return nil, fmt.Errorf("kis: account number %q must be 'CANO-PRDT' form", p.AccountNo)
	}

	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		appKey:     p.AppKey,
		appSecret:  p.AppSecret,
		cano:       cano,
		acntPrdtCd: prdtCd,
		isMock:     p.Mock,
		limiter:    rate.NewLimiter(rate.Limit(10), 1),
	}
	if p.Mock {
		c.baseURL = mockBaseURL
	} else {
		c.baseURL = realBaseURL
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// trID maps a live TR ID to its paper-trading twin (leading T becomes V).
func (c *Client) trID(base string) string {
	if c.isMock && strings.HasPrefix(base, "T") {
		return "V" + base[1:]
	}
	return base
}

// call performs one authenticated KIS request and decodes the JSON body into
// out. A 401/403 drops the cached token and retries once.
func (c *Client) call(ctx context.Context, method, endpoint, tr string, query url.Values, body any, out any) error {
	return c.callRetry(ctx, method, endpoint, tr, query, body, out, true)
}

func (c *Client) callRetry(ctx context.Context, method, endpoint, tr string, query url.Values, body any, out any, retryAuth bool) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return fmt.Errorf("kis auth: %w", err)
	}

	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json; charset=utf-8")
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("appkey", c.appKey)
	req.Header.Set("appsecret", c.appSecret)
	req.Header.Set("tr_id", tr)
	req.Header.Set("custtype", "P")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("kis %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.invalidateToken()
		if retryAuth {
			logger.Warn(ctx, "Brokerage token rejected, re-authenticating", "status", resp.StatusCode)
			return c.callRetry(ctx, method, endpoint, tr, query, body, out, false)
		}
		return fmt.Errorf("kis %s: auth rejected (%d)", endpoint, resp.StatusCode)
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("kis %s: status %d: %s", endpoint, resp.StatusCode, detail)
	}
}

// Authenticate eagerly issues/refreshes the access token.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.accessToken(ctx)
	return err
}

func (c *Client) GetQuote(ctx context.Context, code string) (broker.Quote, error) {
	var resp struct {
		Output struct {
			Prpr       string `json:"stck_prpr"` // current
			Oprc       string `json:"stck_oprc"` // open
			Hgpr       string `json:"stck_hgpr"` // high
			Lwpr       string `json:"stck_lwpr"` // low
			Sdpr       string `json:"stck_sdpr"` // prev close
			PrdyCtrt   string `json:"prdy_ctrt"` // change rate
			AcmlVol    string `json:"acml_vol"`  // volume
			Askp1      string `json:"askp1"`
			Bidp1      string `json:"bidp1"`
			MarketCapB string `json:"hts_avls"` // market cap, 억원
		} `json:"output"`
	}

	q := url.Values{
		"fid_cond_mrkt_div_code": {"J"},
		"fid_input_iscd":         {padCode(code)},
	}
	if err := c.call(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-price", "FHKST01010100", q, nil, &resp); err != nil {
		return broker.Quote{}, err
	}

	o := resp.Output
	quote := broker.Quote{
		CurrentPrice: parseNum(o.Prpr),
		OpenPrice:    parseNum(o.Oprc),
		HighPrice:    parseNum(o.Hgpr),
		LowPrice:     parseNum(o.Lwpr),
		PrevClose:    parseNum(o.Sdpr),
		ChangeRate:   parseNum(o.PrdyCtrt),
		Volume:       int64(parseNum(o.AcmlVol)),
		AskPrice:     parseNum(o.Askp1),
		BidPrice:     parseNum(o.Bidp1),
	}
	if quote.CurrentPrice <= 0 {
		return broker.Quote{}, fmt.Errorf("kis quote %s: empty output", code)
	}
	return quote, nil
}

func (c *Client) GetMarketCap(ctx context.Context, code string) (float64, error) {
	var resp struct {
		Output struct {
			MarketCapB string `json:"hts_avls"`
		} `json:"output"`
	}

	q := url.Values{
		"fid_cond_mrkt_div_code": {"J"},
		"fid_input_iscd":         {padCode(code)},
	}
	if err := c.call(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-price", "FHKST01010100", q, nil, &resp); err != nil {
		return 0, err
	}
	return parseNum(resp.Output.MarketCapB), nil
}

func (c *Client) GetAccountBalance(ctx context.Context) (broker.Balance, error) {
	var resp struct {
		Output1 []struct {
			Pdno       string `json:"pdno"`
			PrdtName   string `json:"prdt_name"`
			HldgQty    string `json:"hldg_qty"`
			PchsAvg    string `json:"pchs_avg_pric"`
			Prpr       string `json:"prpr"`
			EvluAmt    string `json:"evlu_amt"`
			EvluPfls   string `json:"evlu_pfls_amt"`
			EvluPflsRt string `json:"evlu_pfls_rt"`
		} `json:"output1"`
		Output2 []struct {
			TotEvluAmt   string `json:"tot_evlu_amt"`
			EvluPflsSmtl string `json:"evlu_pfls_smtl_amt"`
			DncaTotAmt   string `json:"dnca_tot_amt"`
			NassAmt      string `json:"nass_amt"`
		} `json:"output2"`
	}

	q := url.Values{
		"CANO":                  {c.cano},
		"ACNT_PRDT_CD":          {c.acntPrdtCd},
		"AFHR_FLPR_YN":          {"N"},
		"OFL_YN":                {""},
		"INQR_DVSN":             {"02"},
		"UNPR_DVSN":             {"01"},
		"FUND_STTL_ICLD_YN":     {"N"},
		"FNCG_AMT_AUTO_RDPT_YN": {"N"},
		"PRCS_DVSN":             {"00"},
		"CTX_AREA_FK100":        {""},
		"CTX_AREA_NK100":        {""},
	}
	if err := c.call(ctx, http.MethodGet, "/uapi/domestic-stock/v1/trading/inquire-balance", c.trID("TTTC8434R"), q, nil, &resp); err != nil {
		return broker.Balance{}, err
	}

	bal := broker.Balance{Holdings: map[string]broker.Holding{}}
	for _, item := range resp.Output1 {
		if item.Pdno == "" {
			continue
		}
		bal.Holdings[item.Pdno] = broker.Holding{
			Name:         item.PrdtName,
			Quantity:     int(parseNum(item.HldgQty)),
			AvgPrice:     parseNum(item.PchsAvg),
			CurrentPrice: parseNum(item.Prpr),
			EvalAmount:   parseNum(item.EvluAmt),
			ProfitLoss:   parseNum(item.EvluPfls),
			ProfitRate:   parseNum(item.EvluPflsRt),
		}
	}
	if len(resp.Output2) > 0 {
		o2 := resp.Output2[0]
		bal.TotalEval = parseNum(o2.TotEvluAmt)
		bal.TotalPnL = parseNum(o2.EvluPflsSmtl)
		bal.Deposit = parseNum(o2.DncaTotAmt)
		bal.Available = parseNum(o2.NassAmt)
	}
	return bal, nil
}

func (c *Client) PlaceOrder(ctx context.Context, code string, qty int, side broker.Side, price float64) (broker.OrderResult, error) {
	// 01 market order, 00 limit order.
	ordDvsn := "01"
	if price > 0 {
		ordDvsn = "00"
	}

	body := map[string]string{
		"CANO":         c.cano,
		"ACNT_PRDT_CD": c.acntPrdtCd,
		"PDNO":         padCode(code),
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      strconv.Itoa(qty),
		"ORD_UNPR":     strconv.Itoa(int(price)),
	}

	base := "TTTC0802U" // buy
	if side == broker.SideSell {
		base = "TTTC0801U"
	}

	var resp struct {
		RtCd   string `json:"rt_cd"`
		Msg    string `json:"msg1"`
		Output struct {
			Odno   string `json:"ODNO"`
			OrdTmd string `json:"ORD_TMD"`
		} `json:"output"`
	}
	if err := c.call(ctx, http.MethodPost, "/uapi/domestic-stock/v1/trading/order-cash", c.trID(base), nil, body, &resp); err != nil {
		return broker.OrderResult{}, err
	}
	if resp.Output.Odno == "" {
		return broker.OrderResult{}, fmt.Errorf("kis order %s %s: rejected: %s", side, code, strings.TrimSpace(resp.Msg))
	}
	return broker.OrderResult{OrderID: resp.Output.Odno, OrderTime: resp.Output.OrdTmd}, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID, code string, qty int) error {
	if orderID == "" {
		return fmt.Errorf("kis cancel %s: empty order id", code)
	}

	body := map[string]string{
		"CANO":               c.cano,
		"ACNT_PRDT_CD":       c.acntPrdtCd,
		"KRX_FWDG_ORD_ORGNO": "",
		"ORGN_ODNO":          orderID,
		"ORD_DVSN":           "00",
		"RVSE_CNCL_DVSN_CD":  "02", // cancel
		"ORD_QTY":            strconv.Itoa(qty),
		"ORD_UNPR":           "0",
		"QTY_ALL_ORD_YN":     "Y",
	}

	var resp struct {
		RtCd   string `json:"rt_cd"`
		Msg    string `json:"msg1"`
		Output struct {
			Odno string `json:"ODNO"`
		} `json:"output"`
	}
	if err := c.call(ctx, http.MethodPost, "/uapi/domestic-stock/v1/trading/order-rvsecncl", c.trID("TTTC0803U"), nil, body, &resp); err != nil {
		return err
	}
	if resp.RtCd != "" && resp.RtCd != "0" {
		return fmt.Errorf("kis cancel %s: %s", orderID, strings.TrimSpace(resp.Msg))
	}
	return nil
}

func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	today := time.Now().In(kstZone).Format("20060102")

	var resp struct {
		Output1 []struct {
			Odno    string `json:"odno"`
			Pdno    string `json:"pdno"`
			OrdQty  string `json:"ord_qty"`
			CcldQty string `json:"tot_ccld_qty"`
			AvgPrvs string `json:"avg_prvs"`
			RmnQty  string `json:"rmn_qty"`
		} `json:"output1"`
	}

	q := url.Values{
		"CANO":            {c.cano},
		"ACNT_PRDT_CD":    {c.acntPrdtCd},
		"INQR_STRT_DT":    {today},
		"INQR_END_DT":     {today},
		"SLL_BUY_DVSN_CD": {"00"},
		"INQR_DVSN":       {"00"},
		"PDNO":            {""},
		"CCLD_DVSN":       {"00"},
		"ORD_GNO_BRNO":    {""},
		"ODNO":            {orderID},
		"INQR_DVSN_3":     {"00"},
		"INQR_DVSN_1":     {""},
		"CTX_AREA_FK100":  {""},
		"CTX_AREA_NK100":  {""},
	}
	if err := c.call(ctx, http.MethodGet, "/uapi/domestic-stock/v1/trading/inquire-daily-ccld", c.trID("TTTC8001R"), q, nil, &resp); err != nil {
		return broker.OrderStatus{}, err
	}

	for _, item := range resp.Output1 {
		if item.Odno == orderID {
			return broker.OrderStatus{
				OrderID:   orderID,
				Code:      item.Pdno,
				OrderQty:  int(parseNum(item.OrdQty)),
				ExecQty:   int(parseNum(item.CcldQty)),
				ExecPrice: parseNum(item.AvgPrvs),
				RemainQty: int(parseNum(item.RmnQty)),
			}, nil
		}
	}
	return broker.OrderStatus{}, fmt.Errorf("kis order status: order %s not found", orderID)
}

func (c *Client) GetIndexQuote(ctx context.Context, indexCode string) (float64, error) {
	var resp struct {
		Output struct {
			Prpr string `json:"bstp_nmix_prpr"`
		} `json:"output"`
	}

	q := url.Values{
		"fid_cond_mrkt_div_code": {"U"},
		"fid_input_iscd":         {indexCode},
	}
	if err := c.call(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-index-price", "FHPUP02100000", q, nil, &resp); err != nil {
		return 0, err
	}
	level := parseNum(resp.Output.Prpr)
	if level <= 0 {
		return 0, fmt.Errorf("kis index %s: empty output", indexCode)
	}
	return level, nil
}

func (c *Client) GetIndexCloses(ctx context.Context, indexCode string, n int) ([]float64, error) {
	var resp struct {
		Output []struct {
			Clpr string `json:"bstp_nmix_prpr"`
		} `json:"output"`
	}

	q := url.Values{
		"fid_cond_mrkt_div_code": {"U"},
		"fid_input_iscd":         {indexCode},
		"fid_period_div_code":    {"D"},
		"fid_input_date_1":       {time.Now().In(kstZone).AddDate(0, 0, -14).Format("20060102")},
	}
	if err := c.call(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-index-daily-price", "FHPUP02120000", q, nil, &resp); err != nil {
		return nil, err
	}

	// KIS returns most-recent first; keep the newest n, oldest first.
	m := n
	if len(resp.Output) < m {
		m = len(resp.Output)
	}
	closes := make([]float64, 0, m)
	for i := m - 1; i >= 0; i-- {
		if v := parseNum(resp.Output[i].Clpr); v > 0 {
			closes = append(closes, v)
		}
	}
	return closes, nil
}

var kstZone = time.FixedZone("KST", 9*3600)

// padCode left-pads a symbol code to the six digits KIS expects.
func padCode(code string) string {
	for len(code) < 6 {
		code = "0" + code
	}
	return code
}

// parseNum parses KIS numeric strings, which may carry thousands separators
// or be empty.
func parseNum(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
