package usecase

import (
	"time"

	"github.com/vitos/hedge_trade_bot/internal/domain"
)

func legToRecord(cfg domain.LegConfig, leg *domain.LegState) domain.LegRecord {
	rec := domain.LegRecord{
		Exchange: cfg.Exchange,
		Side:     cfg.Side,
		Leverage: cfg.Leverage,
		Quantity: cfg.Quantity,
	}
	if leg != nil {
		rec.Exchange = leg.Exchange()
		if rec.Exchange == "" {
			rec.Exchange = cfg.Exchange
		}
		if leg.Credentials != nil {
			rec.CredentialID = leg.Credentials.ID
		}
		rec.Filled = leg.FilledQuantity
		rec.OrderIDs = append([]string(nil), leg.OrderIDs...)
		rec.Status = leg.Status
		rec.ErrorMsg = leg.ErrorMsg
		rec.EntryPrice = leg.EntryPrice
	}
	return rec
}

func positionToRecord(pos *domain.ActivePosition) *domain.PositionRecord {
	rec := &domain.PositionRecord{
		StoreID:     pos.StoreID,
		PositionID:  pos.ID,
		UserID:      pos.Config.UserID,
		Symbol:      pos.Config.Symbol,
		Primary:     legToRecord(pos.Config.Primary, pos.Primary),
		Hedge:       legToRecord(pos.Config.Hedge, pos.Hedge),
		Parts:       pos.Config.Parts,
		PartDelay:   pos.Config.PartDelay,
		CurrentPart: pos.CurrentPart,
		Strategy:    pos.Config.Strategy,

		PrimaryFundingRate: pos.Config.PrimaryFundingRate,
		HedgeFundingRate:   pos.Config.HedgeFundingRate,

		Status:      pos.GetStatus(),
		ErrorMsg:    pos.ErrorMsg,
		StartedAt:   pos.StartedAt,
		CompletedAt: pos.CompletedAt,
	}
	if !pos.LastCheckAt.IsZero() {
		t := pos.LastCheckAt
		rec.LastCheckAt = &t
	}
	return rec
}

func recordToPosition(rec *domain.PositionRecord, primary, hedge *domain.LegState) *domain.ActivePosition {
	pos := &domain.ActivePosition{
		ID:      rec.PositionID,
		StoreID: rec.StoreID,
		Config: domain.PositionConfig{
			UserID: rec.UserID,
			Symbol: rec.Symbol,
			Primary: domain.LegConfig{
				Exchange: rec.Primary.Exchange,
				Side:     rec.Primary.Side,
				Leverage: rec.Primary.Leverage,
				Quantity: rec.Primary.Quantity,
			},
			Hedge: domain.LegConfig{
				Exchange: rec.Hedge.Exchange,
				Side:     rec.Hedge.Side,
				Leverage: rec.Hedge.Leverage,
				Quantity: rec.Hedge.Quantity,
			},
			Parts:              rec.Parts,
			PartDelay:          rec.PartDelay,
			Strategy:           rec.Strategy,
			PrimaryFundingRate: rec.PrimaryFundingRate,
			HedgeFundingRate:   rec.HedgeFundingRate,
		},
		Primary:     primary,
		Hedge:       hedge,
		Status:      rec.Status,
		ErrorMsg:    rec.ErrorMsg,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		CurrentPart: rec.CurrentPart,
	}
	if rec.LastCheckAt != nil {
		pos.LastCheckAt = *rec.LastCheckAt
	}
	hydrateLeg(pos.Primary, rec.Primary)
	hydrateLeg(pos.Hedge, rec.Hedge)
	return pos
}

func hydrateLeg(leg *domain.LegState, rec domain.LegRecord) {
	if leg == nil {
		return
	}
	leg.FilledQuantity = rec.Filled
	leg.OrderIDs = append([]string(nil), rec.OrderIDs...)
	leg.Status = rec.Status
	leg.ErrorMsg = rec.ErrorMsg
	leg.EntryPrice = rec.EntryPrice
}

func timePtr(t time.Time) *time.Time {
	return &t
}
