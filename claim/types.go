package claim

import (
	"github.com/pkg/errors"
)

// FissClaim is a claim of the Fiscal Intermediary Shared System.
type FissClaim struct {
	Dcn               string `json:"dcn"`
	Hic               string `json:"hic"`
	CurrStatus        string `json:"currStatus"`
	CurrLoc1          string `json:"currLoc1"`
	CurrLoc2          string `json:"currLoc2,omitempty"`
	MedaProvID        string `json:"medaProvId,omitempty"`
	TotalChargeAmount string `json:"totalChargeAmount,omitempty"`
	ReceivedDate      string `json:"receivedDate,omitempty"`
}

// ClaimKey returns the document control number of the claim.
func (c *FissClaim) ClaimKey() string { return c.Dcn }

type fissTransformer struct{}

func (fissTransformer) Transform(apiVersion string, msg Message) (Change, error) {
	var claim = new(FissClaim)

	var change, err = decodeChange(apiVersion, msg, claim)
	if err != nil {
		return Change{}, err
	} else if len(claim.CurrStatus) > 1 {
		return Change{}, errors.Errorf("invalid currStatus %q", claim.CurrStatus)
	}
	return change, nil
}

// McsClaim is a claim of the Multi-Carrier System.
type McsClaim struct {
	IdrClmHdIcn     string `json:"idrClmHdIcn"`
	IdrContrID      string `json:"idrContrId"`
	IdrHic          string `json:"idrHic,omitempty"`
	IdrClaimType    string `json:"idrClaimType,omitempty"`
	IdrStatusCode   string `json:"idrStatusCode,omitempty"`
	IdrTotBilledAmt string `json:"idrTotBilledAmt,omitempty"`
}

// ClaimKey returns the internal control number of the claim.
func (c *McsClaim) ClaimKey() string { return c.IdrClmHdIcn }

type mcsTransformer struct{}

func (mcsTransformer) Transform(apiVersion string, msg Message) (Change, error) {
	var claim = new(McsClaim)

	var change, err = decodeChange(apiVersion, msg, claim)
	if err != nil {
		return Change{}, err
	} else if claim.IdrContrID == "" {
		return Change{}, errors.New("idrContrId is required")
	}
	return change, nil
}
