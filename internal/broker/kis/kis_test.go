package kis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Artanis09/mystocks/internal/broker"
)

// newStubClient points a mock-mode client at a stub KIS server. The token
// endpoint is always served so call paths can authenticate.
func newStubClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"expires_in":   86400,
		})
	})
	mux.HandleFunc("/", handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	// Keep the token file out of the repo working directory.
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(cwd) })

	c, err := New(Params{Mock: true, AppKey: "key", AppSecret: "secret", AccountNo: "12345678-01"},
		WithBaseURL(srv.URL), WithRateLimit(1000))
	require.NoError(t, err)
	return c, srv
}

func TestNewRejectsMalformedAccount(t *testing.T) {
	_, err := New(Params{AccountNo: "1234567801"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CANO-PRDT")
}

func TestTRIDMockMapping(t *testing.T) {
	mock := &Client{isMock: true}
	live := &Client{isMock: false}

	assert.Equal(t, "VTTC0802U", mock.trID("TTTC0802U"))
	assert.Equal(t, "VTTC8434R", mock.trID("TTTC8434R"))
	assert.Equal(t, "FHKST01010100", mock.trID("FHKST01010100"))
	assert.Equal(t, "TTTC0802U", live.trID("TTTC0802U"))
}

func TestGetQuote(t *testing.T) {
	c, _ := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/uapi/domestic-stock/v1/quotations/inquire-price", r.URL.Path)
		assert.Equal(t, "FHKST01010100", r.Header.Get("tr_id"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("authorization"))
		assert.Equal(t, "005930", r.URL.Query().Get("fid_input_iscd"))

		json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]string{
				"stck_prpr": "71,000",
				"stck_oprc": "70500",
				"stck_hgpr": "71200",
				"stck_lwpr": "70100",
				"stck_sdpr": "70000",
				"prdy_ctrt": "1.43",
				"acml_vol":  "12345678",
				"askp1":     "71100",
				"bidp1":     "71000",
			},
		})
	})

	q, err := c.GetQuote(context.Background(), "5930") // pads to 005930
	require.NoError(t, err)
	assert.Equal(t, 71_000.0, q.CurrentPrice)
	assert.Equal(t, 70_500.0, q.OpenPrice)
	assert.Equal(t, 70_000.0, q.PrevClose)
	assert.Equal(t, 1.43, q.ChangeRate)
	assert.Equal(t, int64(12_345_678), q.Volume)
	assert.Equal(t, 71_100.0, q.AskPrice)
}

func TestGetQuoteEmptyOutput(t *testing.T) {
	c, _ := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"output": map[string]string{}})
	})

	_, err := c.GetQuote(context.Background(), "005930")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty output")
}

func TestPlaceOrder(t *testing.T) {
	var gotBody map[string]string
	var gotTR string
	c, _ := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotTR = r.Header.Get("tr_id")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0",
			"output": map[string]string{"ODNO": "0000117057", "ORD_TMD": "090001"},
		})
	})

	t.Run("limit_buy", func(t *testing.T) {
		res, err := c.PlaceOrder(context.Background(), "005930", 10, broker.SideBuy, 71_000)
		require.NoError(t, err)
		assert.Equal(t, "0000117057", res.OrderID)
		assert.Equal(t, "VTTC0802U", gotTR) // mock-mode buy TR
		assert.Equal(t, "00", gotBody["ORD_DVSN"])
		assert.Equal(t, "71000", gotBody["ORD_UNPR"])
		assert.Equal(t, "10", gotBody["ORD_QTY"])
	})

	t.Run("market_sell", func(t *testing.T) {
		_, err := c.PlaceOrder(context.Background(), "005930", 10, broker.SideSell, 0)
		require.NoError(t, err)
		assert.Equal(t, "VTTC0801U", gotTR) // mock-mode sell TR
		assert.Equal(t, "01", gotBody["ORD_DVSN"])
		assert.Equal(t, "0", gotBody["ORD_UNPR"])
	})
}

func TestPlaceOrderRejected(t *testing.T) {
	c, _ := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "1", "msg1": "주문가능금액을 초과했습니다",
			"output": map[string]string{},
		})
	})

	_, err := c.PlaceOrder(context.Background(), "005930", 10, broker.SideBuy, 71_000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestGetOrderStatus(t *testing.T) {
	c, _ := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "VTTC8001R", r.Header.Get("tr_id"))
		json.NewEncoder(w).Encode(map[string]any{
			"output1": []map[string]string{
				{"odno": "0000117057", "pdno": "005930", "ord_qty": "10",
					"tot_ccld_qty": "7", "avg_prvs": "71000", "rmn_qty": "3"},
				{"odno": "0000117058", "pdno": "000660", "ord_qty": "5",
					"tot_ccld_qty": "5", "avg_prvs": "190000", "rmn_qty": "0"},
			},
		})
	})

	st, err := c.GetOrderStatus(context.Background(), "0000117057")
	require.NoError(t, err)
	assert.Equal(t, 10, st.OrderQty)
	assert.Equal(t, 7, st.ExecQty)
	assert.Equal(t, 3, st.RemainQty)
	assert.Equal(t, 71_000.0, st.ExecPrice)

	_, err = c.GetOrderStatus(context.Background(), "9999999999")
	assert.Error(t, err)
}

func TestGetAccountBalance(t *testing.T) {
	c, _ := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"output1": []map[string]string{
				{"pdno": "005930", "prdt_name": "삼성전자", "hldg_qty": "10",
					"pchs_avg_pric": "70000", "prpr": "71000",
					"evlu_amt": "710000", "evlu_pfls_amt": "10000", "evlu_pfls_rt": "1.43"},
			},
			"output2": []map[string]string{
				{"tot_evlu_amt": "10000000", "evlu_pfls_smtl_amt": "10000",
					"dnca_tot_amt": "9290000", "nass_amt": "9290000"},
			},
		})
	})

	bal, err := c.GetAccountBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10_000_000.0, bal.TotalEval)
	assert.Equal(t, 9_290_000.0, bal.Available)
	require.Contains(t, bal.Holdings, "005930")
	assert.Equal(t, 10, bal.Holdings["005930"].Quantity)
	assert.Equal(t, 70_000.0, bal.Holdings["005930"].AvgPrice)
}

func TestGetIndexCloses(t *testing.T) {
	c, _ := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Most recent first, as KIS serves it.
		json.NewEncoder(w).Encode(map[string]any{
			"output": []map[string]string{
				{"bstp_nmix_prpr": "2600.10"},
				{"bstp_nmix_prpr": "2590.00"},
				{"bstp_nmix_prpr": "2580.00"},
				{"bstp_nmix_prpr": "2570.00"},
				{"bstp_nmix_prpr": "2560.00"},
				{"bstp_nmix_prpr": "2550.00"},
				{"bstp_nmix_prpr": "2540.00"},
			},
		})
	})

	closes, err := c.GetIndexCloses(context.Background(), KOSPIIndexCode, 5)
	require.NoError(t, err)
	// Newest five, oldest first.
	assert.Equal(t, []float64{2560, 2570, 2580, 2590, 2600.10}, closes)
}

func TestAuthRetryOnTokenRejection(t *testing.T) {
	attempts := 0
	c, _ := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]string{"bstp_nmix_prpr": "2600.00"},
		})
	})

	level, err := c.GetIndexQuote(context.Background(), KOSPIIndexCode)
	require.NoError(t, err)
	assert.Equal(t, 2_600.0, level)
	assert.Equal(t, 2, attempts)
}

func TestPadAndParseHelpers(t *testing.T) {
	assert.Equal(t, "005930", padCode("5930"))
	assert.Equal(t, "005930", padCode("005930"))

	assert.Equal(t, 71_000.0, parseNum("71,000"))
	assert.Equal(t, 1.43, parseNum(" 1.43 "))
	assert.Equal(t, 0.0, parseNum(""))
	assert.Equal(t, 0.0, parseNum("n/a"))
}
